// Package analysis detects form issues frame by frame and folds them into
// one result per repetition for scoring.
package analysis

import (
	"fmt"
	"time"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/scoring"
)

// Frame is what the detectors look at.
type Frame struct {
	Angles     pose.ExerciseAngles
	Phase      phase.Phase
	Visibility float64
	At         time.Time
}

// DepthCorrectness grades how close the deepest angle of a rep came to the
// exercise's perfect range: 1 inside it, then 0.9, 0.75, 0.6 for misses of
// up to 5, 10 and 20 degrees, and 0.4 beyond.
func DepthCorrectness(angle float64, perfect exercise.Range) float64 {
	if perfect.Contains(angle) {
		return 1
	}
	var miss float64
	switch {
	case angle < perfect.Min:
		miss = perfect.Min - angle
	case angle > perfect.Max:
		miss = angle - perfect.Max
	}
	switch {
	case miss <= 5:
		return 0.9
	case miss <= 10:
		return 0.75
	case miss <= 20:
		return 0.6
	}
	return 0.4
}

// DetectFrameIssues returns the issues visible in a single frame.
func DetectFrameIssues(def exercise.Definition, f Frame) []scoring.FormIssue {
	var out []scoring.FormIssue

	if def.MinHipAngle > 0 && f.Phase != phase.Standing && f.Angles.Hip < def.MinHipAngle {
		sev := scoring.SeverityMedium
		if f.Angles.Hip < def.MinHipAngle-15 {
			sev = scoring.SeverityHigh
		}
		out = append(out, scoring.FormIssue{
			Type:           scoring.Posture,
			Severity:       sev,
			Description:    fmt.Sprintf("Torso leans too far forward (hip angle %.0f°).", f.Angles.Hip),
			Correction:     "Keep your chest up and sit back into your hips.",
			AffectedJoints: []string{"hip", "shoulder"},
		})
	}

	if def.MaxOffsetAngle > 0 && f.Angles.Offset > def.MaxOffsetAngle {
		sev := scoring.SeverityLow
		if f.Angles.Offset > def.MaxOffsetAngle+15 {
			sev = scoring.SeverityMedium
		}
		out = append(out, scoring.FormIssue{
			Type:           scoring.Alignment,
			Severity:       sev,
			Description:    fmt.Sprintf("Shoulders are rotated toward the camera (offset %.0f°).", f.Angles.Offset),
			Correction:     "Turn side-on to the camera and keep your shoulders square.",
			AffectedJoints: []string{"left_shoulder", "right_shoulder"},
		})
	}

	if f.Visibility > 0 && f.Visibility < 0.7 {
		sev := scoring.SeverityLow
		if f.Visibility < pose.MinVisibility {
			sev = scoring.SeverityMedium
		}
		out = append(out, scoring.FormIssue{
			Type:        scoring.Consistency,
			Severity:    sev,
			Description: fmt.Sprintf("Body is only partly visible (%.0f%% confidence).", f.Visibility*100),
			Correction:  "Move so your whole body is in frame.",
		})
	}

	return out
}

// depthIssue describes a rep whose deepest angle missed the perfect range.
func depthIssue(def exercise.Definition, deepest, correctness float64) (scoring.FormIssue, bool) {
	if correctness >= 1 {
		return scoring.FormIssue{}, false
	}
	sev := scoring.SeverityLow
	if correctness <= 0.75 {
		sev = scoring.SeverityMedium
	}
	if correctness <= 0.4 {
		sev = scoring.SeverityHigh
	}
	joint := string(def.Joint)
	further := "Go lower until you reach the target depth."
	if def.Joint == exercise.JointElbow {
		further = "Bend your elbows further to reach the target angle."
	}
	if deepest > def.PerfectRange.Max {
		return scoring.FormIssue{
			Type:           scoring.RangeOfMotion,
			Severity:       sev,
			Description:    fmt.Sprintf("Not deep enough (%s angle %.0f°, target %.0f-%.0f°).", joint, deepest, def.PerfectRange.Min, def.PerfectRange.Max),
			Correction:     further,
			AffectedJoints: []string{joint},
		}, true
	}
	return scoring.FormIssue{
		Type:           scoring.RangeOfMotion,
		Severity:       sev,
		Description:    fmt.Sprintf("Too deep (%s angle %.0f°, target %.0f-%.0f°).", joint, deepest, def.PerfectRange.Min, def.PerfectRange.Max),
		Correction:     "Stop at the target depth and keep tension.",
		AffectedJoints: []string{joint},
	}, true
}
