package analysis

import (
	"testing"
	"time"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func squat(t *testing.T) exercise.Definition {
	t.Helper()
	cat, err := exercise.Default()
	require.NoError(t, err)
	def, err := cat.Get("squat")
	require.NoError(t, err)
	return def
}

func TestDepthCorrectness(t *testing.T) {
	perfect := exercise.Range{Min: 70, Max: 90}
	tests := []struct {
		angle float64
		want  float64
	}{
		{70, 1}, {80, 1}, {90, 1},
		{94, 0.9}, {66, 0.9},
		{99, 0.75}, {61, 0.75},
		{105, 0.6}, {52, 0.6},
		{115, 0.4}, {40, 0.4},
	}
	for _, tt := range tests {
		if got := DepthCorrectness(tt.angle, perfect); got != tt.want {
			t.Errorf("DepthCorrectness(%.0f) = %.2f, want %.2f", tt.angle, got, tt.want)
		}
	}
}

func TestDetectFrameIssues(t *testing.T) {
	def := squat(t)

	clean := Frame{Angles: pose.ExerciseAngles{Knee: 90, Hip: 95, Offset: 20}, Phase: phase.Deep, Visibility: 0.95}
	assert.Empty(t, DetectFrameIssues(def, clean))

	lean := clean
	lean.Angles.Hip = 30
	issues := DetectFrameIssues(def, lean)
	require.Len(t, issues, 1)
	assert.Equal(t, scoring.Posture, issues[0].Type)
	assert.Equal(t, scoring.SeverityHigh, issues[0].Severity)

	// lean is ignored while standing
	lean.Phase = phase.Standing
	assert.Empty(t, DetectFrameIssues(def, lean))

	rotated := clean
	rotated.Angles.Offset = 40
	issues = DetectFrameIssues(def, rotated)
	require.Len(t, issues, 1)
	assert.Equal(t, scoring.Alignment, issues[0].Type)
	assert.Equal(t, scoring.SeverityLow, issues[0].Severity)

	murky := clean
	murky.Visibility = 0.4
	issues = DetectFrameIssues(def, murky)
	require.Len(t, issues, 1)
	assert.Equal(t, scoring.Consistency, issues[0].Type)
	assert.Equal(t, scoring.SeverityMedium, issues[0].Severity)
}

// TestRepAccumulatorGoodRep feeds a slow rep that bottoms out inside the
// perfect range.
func TestRepAccumulatorGoodRep(t *testing.T) {
	acc := NewRepAccumulator(squat(t))
	acc.Begin(t0)
	for i, knee := range []float64{130, 95, 82, 78, 88, 130} {
		ph := phase.Transition
		if knee < 86 {
			ph = phase.Deep
		}
		acc.Add(Frame{Angles: pose.ExerciseAngles{Knee: knee, Hip: 90, Offset: 20}, Phase: ph, Visibility: 0.9,
			At: t0.Add(time.Duration(i) * 500 * time.Millisecond)}, knee)
	}

	rep := acc.Finish(t0.Add(3 * time.Second))
	assert.False(t, acc.Active())
	assert.False(t, rep.Shallow)
	assert.Equal(t, 78.0, rep.DeepestAngle)
	assert.Equal(t, 1.0, rep.Correctness)
	assert.Empty(t, rep.Issues)
	assert.Equal(t, 6, rep.Frames)
	assert.InDelta(t, 0.9, rep.MeanVisibility, 1e-9)
}

// TestRepAccumulatorFastShallowRep never reaches Deep and is too quick.
func TestRepAccumulatorFastShallowRep(t *testing.T) {
	acc := NewRepAccumulator(squat(t))
	acc.Begin(t0)
	acc.Add(Frame{Angles: pose.ExerciseAngles{Knee: 120, Hip: 150}, Phase: phase.Transition, Visibility: 0.9}, 120)

	rep := acc.Finish(t0.Add(400 * time.Millisecond))
	assert.True(t, rep.Shallow)
	assert.Equal(t, 0.4, rep.Correctness)
	require.Len(t, rep.Issues, 2)
	assert.Equal(t, scoring.RangeOfMotion, rep.Issues[0].Type)
	assert.Equal(t, scoring.SeverityHigh, rep.Issues[0].Severity)
	assert.Equal(t, scoring.Timing, rep.Issues[1].Type)
	assert.Equal(t, scoring.SeverityHigh, rep.Issues[1].Severity)
}

// TestRepAccumulatorKeepsWorstIssue adds the same issue type at rising and
// falling severity.
func TestRepAccumulatorKeepsWorstIssue(t *testing.T) {
	acc := NewRepAccumulator(squat(t))
	acc.Begin(t0)
	acc.AddIssue(scoring.FormIssue{Type: scoring.Posture, Severity: scoring.SeverityLow, Description: "a"})
	acc.AddIssue(scoring.FormIssue{Type: scoring.Posture, Severity: scoring.SeverityHigh, Description: "b"})
	acc.AddIssue(scoring.FormIssue{Type: scoring.Posture, Severity: scoring.SeverityMedium, Description: "c"})
	acc.Add(Frame{Phase: phase.Deep, Visibility: 0.9, Angles: pose.ExerciseAngles{Hip: 90}}, 100)

	rep := acc.Finish(t0.Add(2 * time.Second))
	require.Len(t, rep.Issues, 2)
	assert.Equal(t, "b", rep.Issues[0].Description)
	assert.Equal(t, scoring.RangeOfMotion, rep.Issues[1].Type)
	assert.Equal(t, 0.75, rep.Correctness)
}

func TestRepAccumulatorIdle(t *testing.T) {
	acc := NewRepAccumulator(squat(t))
	acc.Add(Frame{Phase: phase.Deep}, 80)
	acc.AddIssue(scoring.FormIssue{Type: scoring.Timing})
	assert.Equal(t, Rep{}, acc.Finish(t0))

	acc.Begin(t0)
	acc.Abort()
	assert.False(t, acc.Active())
}

func TestCue(t *testing.T) {
	def := squat(t)
	lean := scoring.FormIssue{Type: scoring.Posture, Severity: scoring.SeverityHigh, Correction: "Keep your chest up."}
	rotated := scoring.FormIssue{Type: scoring.Alignment, Severity: scoring.SeverityLow, Correction: "Turn side-on."}
	murky := scoring.FormIssue{Type: scoring.Consistency, Severity: scoring.SeverityMedium, Correction: "Step into frame."}

	tests := []struct {
		name   string
		ph     phase.Phase
		drive  float64
		issues []scoring.FormIssue
		want   string
	}{
		{"standing", phase.Standing, 170, nil, "Ready"},
		{"descending", phase.Transition, 120, nil, "Control the movement"},
		{"in range", phase.Deep, 80, nil, "Good depth!"},
		{"above range", phase.Deep, 95, nil, "A little further"},
		{"below range", phase.Deep, 50, nil, "Too far, ease back"},
		{"low severity does not override", phase.Deep, 80, []scoring.FormIssue{rotated}, "Good depth!"},
		{"medium severity", phase.Transition, 120, []scoring.FormIssue{rotated, murky}, "Improve form: Step into frame."},
		{"worst wins", phase.Deep, 80, []scoring.FormIssue{murky, lean}, "Poor form! Keep your chest up."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cue(def, tt.ph, tt.drive, tt.issues))
		})
	}
}

// TestAddOutsideRep inspects a frame while no rep is running.
func TestAddOutsideRep(t *testing.T) {
	acc := NewRepAccumulator(squat(t))
	issues := acc.Add(Frame{Angles: pose.ExerciseAngles{Knee: 170, Hip: 175, Offset: 60}, Phase: phase.Standing, Visibility: 0.9}, 170)
	require.Len(t, issues, 1)
	assert.Equal(t, scoring.Alignment, issues[0].Type)
	assert.False(t, acc.Active())
	assert.Equal(t, Rep{}, acc.Finish(t0))
}
