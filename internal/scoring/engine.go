package scoring

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/pose"
)

const (
	// StrengthCutoff is the dimension score reported as a strength.
	StrengthCutoff = 0.85

	// DefaultSessionCap bounds the score history per session.
	DefaultSessionCap = 20

	maxImprovements = 5
	trendWindow     = 10
	trendEpsilon    = 0.01
)

// builtinWeights covers exercises that are scored but not tracked by the
// phase machine. Catalog weights passed to New take precedence.
var builtinWeights = map[string]exercise.Weights{
	"plank": {Alignment: 0.15, Posture: 0.35, RangeOfMotion: 0.05, Timing: 0.30, Consistency: 0.15},
}

// FaultReporter receives frames the engine could not read.
type FaultReporter interface {
	HandleAngleCalculationError(err error, missing []string) faults.Recovery
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter routes malformed landmark input to the error controller.
func WithReporter(r FaultReporter) Option {
	return func(e *Engine) { e.faults = r }
}

// WithSessionCap bounds each session's score history.
func WithSessionCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sessionCap = n
		}
	}
}

// Engine scores repetitions. It is safe for concurrent use; session
// histories are independent of each other.
type Engine struct {
	weights    map[string]exercise.Weights
	faults     FaultReporter
	log        *slog.Logger
	sessionCap int

	mu       sync.Mutex
	sessions map[string]*history
}

// New creates an Engine. weights maps exercise ids to scoring weights,
// usually exercise.Catalog.Weights.
func New(weights map[string]exercise.Weights, log *slog.Logger, opts ...Option) *Engine {
	w := make(map[string]exercise.Weights, len(builtinWeights)+len(weights))
	for id, v := range builtinWeights {
		w[id] = v.Normalized()
	}
	for id, v := range weights {
		w[id] = v.Normalized()
	}
	e := &Engine{
		weights:    w,
		log:        log,
		sessionCap: DefaultSessionCap,
		sessions:   make(map[string]*history),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// WeightsFor returns the weights used for an exercise.
func (e *Engine) WeightsFor(exerciseID string) exercise.Weights {
	if w, ok := e.weights[exerciseID]; ok {
		return w
	}
	return exercise.DefaultWeights
}

func weightOf(w exercise.Weights, t IssueType) float64 {
	switch t {
	case Alignment:
		return w.Alignment
	case Posture:
		return w.Posture
	case RangeOfMotion:
		return w.RangeOfMotion
	case Timing:
		return w.Timing
	case Consistency:
		return w.Consistency
	}
	return 0
}

// strictness grows with the weight of a dimension, so that the dimensions
// an exercise cares about lose more per issue.
func strictness(weight float64) float64 {
	return 0.5 + 2.5*weight
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// CalculateFormScore scores one repetition. landmarks may be empty, in
// which case consistency falls back to correctness. When sessionID is not
// empty the overall score is appended to that session's history.
//
// The result depends only on the arguments and the engine's weights.
func (e *Engine) CalculateFormScore(issues []FormIssue, correctness float64, landmarks []pose.Landmark, exerciseID, sessionID string) FormScore {
	fs := e.score(issues, correctness, landmarks, exerciseID)
	if sessionID != "" {
		e.record(sessionID, fs.Overall)
	}
	return fs
}

// ProjectedScore estimates the score after the user fixes part of their
// issues. Only the first half of issues is kept, in the order given,
// regardless of severity. Nothing is recorded.
func (e *Engine) ProjectedScore(issues []FormIssue, correctness float64, landmarks []pose.Landmark, exerciseID string) FormScore {
	return e.score(issues[:len(issues)/2], correctness, landmarks, exerciseID)
}

func (e *Engine) score(issues []FormIssue, correctness float64, landmarks []pose.Landmark, exerciseID string) FormScore {
	correctness = clamp01(correctness)
	w := e.WeightsFor(exerciseID)

	penalties := make(map[IssueType]float64, len(IssueTypes))
	for _, is := range issues {
		penalties[is.Type] += is.Severity.penalty()
	}

	var b Breakdown
	for _, t := range IssueTypes {
		if t == Consistency {
			continue
		}
		s := strictness(weightOf(w, t))
		b.set(t, clamp01(1-s*((1-correctness)+penalties[t])))
	}
	b.Consistency = clamp01(e.visibilityBase(landmarks, correctness) -
		strictness(w.Consistency)*penalties[Consistency])

	var overall float64
	for _, t := range IssueTypes {
		overall += weightOf(w, t) * b.get(t)
	}
	overall = clamp01(overall)

	fs := FormScore{
		ExerciseID:   exerciseID,
		Overall:      overall,
		Grade:        Grade(overall),
		Breakdown:    b,
		Strengths:    strengths(b),
		Improvements: improvements(issues),
		Priority:     priority(overall, issues),
	}
	return fs
}

// visibilityBase maps mean landmark visibility onto [0.3, 0.9]. A frame
// that cannot be read is reported and scored from correctness instead.
func (e *Engine) visibilityBase(landmarks []pose.Landmark, correctness float64) float64 {
	if len(landmarks) == 0 {
		return correctness
	}
	if len(landmarks) < pose.LandmarkCount {
		err := fmt.Errorf("scoring consistency: %w: got %d", pose.ErrInsufficientLandmarks, len(landmarks))
		if e.faults != nil {
			e.faults.HandleAngleCalculationError(err, nil)
		} else {
			e.log.Warn("ignoring short landmark frame", "error", err)
		}
		return correctness
	}
	return 0.3 + 0.6*clamp01(pose.MeanVisibility(landmarks))
}

var strengthText = map[IssueType]string{
	Alignment:     "Joints stay well aligned through the movement.",
	Posture:       "Torso position is solid and controlled.",
	RangeOfMotion: "Full range of motion on every rep.",
	Timing:        "Tempo is steady and controlled.",
	Consistency:   "Movement is consistent and clearly visible.",
}

func strengths(b Breakdown) []string {
	out := []string{}
	for _, t := range IssueTypes {
		if b.get(t) >= StrengthCutoff {
			out = append(out, strengthText[t])
		}
	}
	return out
}

func priority(overall float64, issues []FormIssue) Priority {
	worst := 0
	for _, is := range issues {
		worst = max(worst, is.Severity.rank())
	}
	switch {
	case overall < 0.7 || worst == SeverityHigh.rank():
		return PriorityHigh
	case overall < StrengthCutoff || worst == SeverityMedium.rank():
		return PriorityMedium
	}
	return PriorityLow
}
