package pose

import (
	"fmt"
	"math"
)

// Plausible range for the ratio between two adjacent body segments.
const (
	minSegmentRatio = 0.5
	maxSegmentRatio = 2.0
)

// ValidateLandmarks checks a frame for anatomical plausibility and returns
// human-readable issues. It never fails; an empty result means the frame
// looks sane. Image y grows downward, so a standing body has
// hip.Y < knee.Y < ankle.Y.
func ValidateLandmarks(landmarks []Landmark) []string {
	if len(landmarks) < LandmarkCount {
		return []string{fmt.Sprintf("expected %d landmarks, got %d", LandmarkCount, len(landmarks))}
	}

	var issues []string
	for _, s := range []struct {
		name string
		side side
	}{{"left", leftSide}, {"right", rightSide}} {
		hip, knee, ankle := landmarks[s.side.hip], landmarks[s.side.knee], landmarks[s.side.ankle]
		shoulder := landmarks[s.side.shoulder]

		if hip.Y >= knee.Y {
			issues = append(issues, fmt.Sprintf("%s hip is not above %s knee", s.name, s.name))
		}
		if knee.Y >= ankle.Y {
			issues = append(issues, fmt.Sprintf("%s knee is not above %s ankle", s.name, s.name))
		}

		thigh := distance(hip, knee)
		shin := distance(knee, ankle)
		torso := distance(shoulder, hip)

		if msg, ok := checkRatio(s.name+" thigh/shin", thigh, shin); !ok {
			issues = append(issues, msg)
		}
		if msg, ok := checkRatio(s.name+" torso/thigh", torso, thigh); !ok {
			issues = append(issues, msg)
		}
	}
	return issues
}

func checkRatio(label string, a, b float64) (string, bool) {
	if b == 0 {
		return fmt.Sprintf("%s ratio undefined (zero-length segment)", label), false
	}
	r := a / b
	if r < minSegmentRatio || r > maxSegmentRatio {
		return fmt.Sprintf("%s ratio %.2f outside %.1f-%.1f", label, r, minSegmentRatio, maxSegmentRatio), false
	}
	return "", true
}

func distance(a, b Landmark) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
