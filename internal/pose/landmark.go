// Package pose holds the landmark model and the geometry used to turn a
// frame of body landmarks into joint angles.
package pose

// LandmarkCount is the number of landmarks in a full body frame.
const LandmarkCount = 33

// MinVisibility is the lowest visibility a landmark may have to take part
// in an angle calculation.
const MinVisibility = 0.5

// Landmark is a single body keypoint. Coordinates are normalized to the
// image (x, y in [0,1], z relative depth); Visibility is the detector's
// confidence in [0,1].
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Index identifies a landmark position within a frame.
type Index int

// Landmark indices, in detector order.
const (
	Nose Index = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex
)

var indexNames = [LandmarkCount]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// String returns the snake_case landmark name.
func (i Index) String() string {
	if i < 0 || int(i) >= LandmarkCount {
		return "unknown"
	}
	return indexNames[i]
}

// MeanVisibility returns the average visibility across all landmarks, or 0
// for an empty frame.
func MeanVisibility(landmarks []Landmark) float64 {
	if len(landmarks) == 0 {
		return 0
	}
	var sum float64
	for _, lm := range landmarks {
		sum += lm.Visibility
	}
	return sum / float64(len(landmarks))
}
