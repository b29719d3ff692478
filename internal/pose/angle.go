package pose

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrDegenerateVector is returned when one of the rays of an angle has
	// zero length.
	ErrDegenerateVector = errors.New("pose: degenerate vector")

	// ErrInsufficientLandmarks is returned when a frame carries fewer than
	// LandmarkCount landmarks.
	ErrInsufficientLandmarks = errors.New("pose: insufficient landmarks")

	// ErrLowVisibility is matched by *VisibilityError via errors.Is.
	ErrLowVisibility = errors.New("pose: low visibility")
)

// VisibilityError lists the landmarks that were needed for a calculation
// but fell below MinVisibility.
type VisibilityError struct {
	Missing []Index
}

func (e *VisibilityError) Error() string {
	names := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		names[i] = idx.String()
	}
	return fmt.Sprintf("pose: low visibility: %s", strings.Join(names, ", "))
}

// Is reports ErrLowVisibility as a match.
func (e *VisibilityError) Is(target error) bool {
	return target == ErrLowVisibility
}

// MissingNames returns the names of the invisible landmarks.
func (e *VisibilityError) MissingNames() []string {
	names := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		names[i] = idx.String()
	}
	return names
}

// ExerciseAngles holds the joint angles derived from one frame, in degrees.
type ExerciseAngles struct {
	Knee   float64 `json:"knee_angle"`
	Hip    float64 `json:"hip_angle"`
	Ankle  float64 `json:"ankle_angle"`
	Offset float64 `json:"offset_angle"`
	// Elbow is zero when neither arm could be read.
	Elbow  float64 `json:"elbow_angle"`
}

// Round rounds v to two decimal places. Every angle leaving this package
// passes through it so results match across platforms.
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}

// Angle returns the angle at vertex formed by the rays vertex->p1 and
// vertex->p3, in degrees within [0,180].
func Angle(p1, vertex, p3 Landmark) (float64, error) {
	v1x, v1y, v1z := p1.X-vertex.X, p1.Y-vertex.Y, p1.Z-vertex.Z
	v2x, v2y, v2z := p3.X-vertex.X, p3.Y-vertex.Y, p3.Z-vertex.Z

	m1 := math.Sqrt(v1x*v1x + v1y*v1y + v1z*v1z)
	m2 := math.Sqrt(v2x*v2x + v2y*v2y + v2z*v2z)
	if m1 == 0 || m2 == 0 {
		return 0, ErrDegenerateVector
	}

	cos := (v1x*v2x + v1y*v2y + v1z*v2z) / (m1 * m2)
	cos = math.Max(-1, math.Min(1, cos))
	return Round(math.Acos(cos) * 180 / math.Pi), nil
}

// side groups the landmark indices of one body side used for the lower
// body angles.
type side struct {
	shoulder, hip, knee, ankle, foot Index
}

var (
	leftSide  = side{LeftShoulder, LeftHip, LeftKnee, LeftAnkle, LeftFootIndex}
	rightSide = side{RightShoulder, RightHip, RightKnee, RightAnkle, RightFootIndex}

	// offset uses both shoulders around the nose.
	offsetPoints = []Index{LeftShoulder, Nose, RightShoulder}
)

func (s side) indices() []Index {
	return []Index{s.shoulder, s.hip, s.knee, s.ankle, s.foot}
}

type arm struct {
	shoulder, elbow, wrist Index
}

var (
	leftArm  = arm{LeftShoulder, LeftElbow, LeftWrist}
	rightArm = arm{RightShoulder, RightElbow, RightWrist}
)

func (a arm) indices() []Index {
	return []Index{a.shoulder, a.elbow, a.wrist}
}

// invisible returns the indices from idx whose visibility is below
// MinVisibility.
func invisible(landmarks []Landmark, idx []Index) []Index {
	var out []Index
	for _, i := range idx {
		if landmarks[i].Visibility < MinVisibility {
			out = append(out, i)
		}
	}
	return out
}

func visibilitySum(landmarks []Landmark, idx []Index) float64 {
	var sum float64
	for _, i := range idx {
		sum += landmarks[i].Visibility
	}
	return sum
}

// ElbowAngle returns the shoulder-elbow-wrist angle of the arm facing the
// camera. It fails the same way ExtractExerciseAngles does.
func ElbowAngle(landmarks []Landmark) (float64, error) {
	if len(landmarks) < LandmarkCount {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInsufficientLandmarks, len(landmarks), LandmarkCount)
	}
	a := leftArm
	if visibilitySum(landmarks, rightArm.indices()) > visibilitySum(landmarks, leftArm.indices()) {
		a = rightArm
	}
	if missing := invisible(landmarks, a.indices()); len(missing) > 0 {
		return 0, &VisibilityError{Missing: missing}
	}
	angle, err := Angle(landmarks[a.shoulder], landmarks[a.elbow], landmarks[a.wrist])
	if err != nil {
		return 0, fmt.Errorf("elbow angle: %w", err)
	}
	return angle, nil
}

// ExtractExerciseAngles computes the knee, hip, ankle and camera offset
// angles for a frame. The body side facing the camera (higher summed
// visibility) is used for the lower body angles. The elbow angle is filled
// in when an arm is readable and left at zero otherwise; callers that
// depend on it use ElbowAngle to learn why it is missing.
//
// It fails with ErrInsufficientLandmarks before touching any landmark when
// the frame is short, and with a *VisibilityError when a required landmark
// is below MinVisibility. Both are per-frame, recoverable failures.
func ExtractExerciseAngles(landmarks []Landmark) (ExerciseAngles, error) {
	if len(landmarks) < LandmarkCount {
		return ExerciseAngles{}, fmt.Errorf("%w: got %d, want %d", ErrInsufficientLandmarks, len(landmarks), LandmarkCount)
	}

	s := leftSide
	if visibilitySum(landmarks, rightSide.indices()) > visibilitySum(landmarks, leftSide.indices()) {
		s = rightSide
	}

	missing := invisible(landmarks, s.indices())
	for _, i := range invisible(landmarks, offsetPoints) {
		if i != s.shoulder {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return ExerciseAngles{}, &VisibilityError{Missing: missing}
	}

	var (
		out ExerciseAngles
		err error
	)
	lm := func(i Index) Landmark { return landmarks[i] }

	if out.Knee, err = Angle(lm(s.hip), lm(s.knee), lm(s.ankle)); err != nil {
		return ExerciseAngles{}, fmt.Errorf("knee angle: %w", err)
	}
	if out.Hip, err = Angle(lm(s.shoulder), lm(s.hip), lm(s.knee)); err != nil {
		return ExerciseAngles{}, fmt.Errorf("hip angle: %w", err)
	}
	if out.Ankle, err = Angle(lm(s.knee), lm(s.ankle), lm(s.foot)); err != nil {
		return ExerciseAngles{}, fmt.Errorf("ankle angle: %w", err)
	}
	if out.Offset, err = Angle(lm(LeftShoulder), lm(Nose), lm(RightShoulder)); err != nil {
		return ExerciseAngles{}, fmt.Errorf("offset angle: %w", err)
	}
	if elbow, err := ElbowAngle(landmarks); err == nil {
		out.Elbow = elbow
	}
	return out, nil
}
