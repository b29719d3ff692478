package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/scoring"
)

// Rep is the analysis of one finished repetition.
type Rep struct {
	Issues         []scoring.FormIssue `json:"issues"`
	Correctness    float64             `json:"correctness"`
	DeepestAngle   float64             `json:"deepest_angle"`
	Duration       time.Duration       `json:"duration"`
	Frames         int                 `json:"frames"`
	MeanVisibility float64             `json:"mean_visibility"`
	Shallow        bool                `json:"shallow"`
}

// RepAccumulator collects frames between leaving Standing and returning to
// it. Issues are kept once per type at their highest severity. It is not
// safe for concurrent use.
type RepAccumulator struct {
	def     exercise.Definition
	active  bool
	start   time.Time
	deepest float64
	reached bool
	frames  int
	visSum  float64
	issues  map[scoring.IssueType]scoring.FormIssue
	order   []scoring.IssueType
}

// NewRepAccumulator creates an idle accumulator for an exercise.
func NewRepAccumulator(def exercise.Definition) *RepAccumulator {
	return &RepAccumulator{def: def}
}

// Active reports whether a rep is in progress.
func (r *RepAccumulator) Active() bool { return r.active }

// Begin starts a new rep, discarding any partial one.
func (r *RepAccumulator) Begin(at time.Time) {
	r.active = true
	r.start = at
	r.deepest = math.Inf(1)
	r.reached = false
	r.frames = 0
	r.visSum = 0
	r.issues = make(map[scoring.IssueType]scoring.FormIssue)
	r.order = r.order[:0]
}

// Abort drops the current rep.
func (r *RepAccumulator) Abort() {
	r.active = false
}

// Add folds one frame into the current rep and returns the issues seen in
// that frame. drive is the angle of the exercise's driving joint. Frames
// outside a rep are inspected but not kept.
func (r *RepAccumulator) Add(f Frame, drive float64) []scoring.FormIssue {
	issues := DetectFrameIssues(r.def, f)
	if !r.active {
		return issues
	}
	r.frames++
	r.visSum += f.Visibility
	if f.Phase == phase.Deep {
		r.reached = true
		r.deepest = math.Min(r.deepest, drive)
	}
	for _, is := range issues {
		r.AddIssue(is)
	}
	return issues
}

// AddIssue records an issue, keeping the most severe one per type.
func (r *RepAccumulator) AddIssue(is scoring.FormIssue) {
	if !r.active {
		return
	}
	prev, ok := r.issues[is.Type]
	if !ok {
		r.order = append(r.order, is.Type)
		r.issues[is.Type] = is
		return
	}
	if severityRank(is.Severity) > severityRank(prev.Severity) {
		r.issues[is.Type] = is
	}
}

func severityRank(s scoring.Severity) int {
	switch s {
	case scoring.SeverityHigh:
		return 3
	case scoring.SeverityMedium:
		return 2
	}
	return 1
}

// Finish closes the rep at at. A rep that never reached Deep is scored as
// shallow with the lowest correctness band. Finish on an idle accumulator
// returns the zero Rep.
func (r *RepAccumulator) Finish(at time.Time) Rep {
	if !r.active {
		return Rep{}
	}
	rep := Rep{
		Duration: at.Sub(r.start),
		Frames:   r.frames,
		Shallow:  !r.reached,
	}
	if r.frames > 0 {
		rep.MeanVisibility = r.visSum / float64(r.frames)
	}

	if r.reached {
		rep.DeepestAngle = r.deepest
		rep.Correctness = DepthCorrectness(r.deepest, r.def.PerfectRange)
		if is, ok := depthIssue(r.def, r.deepest, rep.Correctness); ok {
			r.AddIssue(is)
		}
	} else {
		rep.Correctness = 0.4
		r.AddIssue(scoring.FormIssue{
			Type:           scoring.RangeOfMotion,
			Severity:       scoring.SeverityHigh,
			Description:    "Rep ended before reaching the bottom position.",
			Correction:     "Complete the full movement before standing back up.",
			AffectedJoints: []string{string(r.def.Joint)},
		})
	}

	if minSec := r.def.MinRepSeconds; minSec > 0 && rep.Duration.Seconds() < minSec {
		sev := scoring.SeverityMedium
		if rep.Duration.Seconds() < minSec/2 {
			sev = scoring.SeverityHigh
		}
		r.AddIssue(scoring.FormIssue{
			Type:        scoring.Timing,
			Severity:    sev,
			Description: fmt.Sprintf("Rep took %.1fs, aim for at least %.1fs.", rep.Duration.Seconds(), minSec),
			Correction:  "Slow down and control the descent.",
		})
	}

	rep.Issues = make([]scoring.FormIssue, 0, len(r.order))
	for _, t := range r.order {
		rep.Issues = append(rep.Issues, r.issues[t])
	}
	r.active = false
	return rep
}
