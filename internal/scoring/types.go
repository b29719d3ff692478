// Package scoring turns the form issues collected over a repetition into a
// graded score with a per-dimension breakdown and improvement suggestions,
// and keeps a short score history per session.
package scoring

// IssueType is the form dimension an issue belongs to.
type IssueType string

const (
	Alignment     IssueType = "alignment"
	Posture       IssueType = "posture"
	RangeOfMotion IssueType = "range_of_motion"
	Timing        IssueType = "timing"
	Consistency   IssueType = "consistency"
)

// IssueTypes lists the dimensions in breakdown order.
var IssueTypes = []IssueType{Alignment, Posture, RangeOfMotion, Timing, Consistency}

// Severity ranks a form issue.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// penalty is what one issue of this severity costs its dimension before
// exercise strictness is applied.
func (s Severity) penalty() float64 {
	switch s {
	case SeverityHigh:
		return 0.25
	case SeverityMedium:
		return 0.12
	default:
		return 0.05
	}
}

// FormIssue is one detected problem.
type FormIssue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	Description    string    `json:"description"`
	Correction     string    `json:"correction"`
	AffectedJoints []string  `json:"affected_joints,omitempty"`
}

// Breakdown scores each dimension in [0,1].
type Breakdown struct {
	Alignment     float64 `json:"alignment"`
	Posture       float64 `json:"posture"`
	RangeOfMotion float64 `json:"range_of_motion"`
	Timing        float64 `json:"timing"`
	Consistency   float64 `json:"consistency"`
}

func (b Breakdown) get(t IssueType) float64 {
	switch t {
	case Alignment:
		return b.Alignment
	case Posture:
		return b.Posture
	case RangeOfMotion:
		return b.RangeOfMotion
	case Timing:
		return b.Timing
	case Consistency:
		return b.Consistency
	}
	return 0
}

func (b *Breakdown) set(t IssueType, v float64) {
	switch t {
	case Alignment:
		b.Alignment = v
	case Posture:
		b.Posture = v
	case RangeOfMotion:
		b.RangeOfMotion = v
	case Timing:
		b.Timing = v
	case Consistency:
		b.Consistency = v
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Difficulty string

const (
	DifficultyEasy     Difficulty = "easy"
	DifficultyModerate Difficulty = "moderate"
	DifficultyHard     Difficulty = "hard"
)

// Improvement is a suggestion derived from the issues of one type.
type Improvement struct {
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	ActionSteps         []string   `json:"action_steps"`
	ExpectedImprovement float64    `json:"expected_improvement"`
	Priority            Priority   `json:"priority"`
	Difficulty          Difficulty `json:"difficulty"`
	Category            IssueType  `json:"category"`
	TimeToImprove       string     `json:"time_to_improve"`
}

// FormScore is the result of scoring one repetition.
type FormScore struct {
	ExerciseID   string        `json:"exercise_id"`
	Overall      float64       `json:"overall"`
	Grade        string        `json:"grade"`
	Breakdown    Breakdown     `json:"breakdown"`
	Strengths    []string      `json:"strengths"`
	Improvements []Improvement `json:"improvements"`
	Priority     Priority      `json:"priority"`
}

// Trend is the direction of a session's recent scores.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// SessionProgress summarizes the score history of one session.
type SessionProgress struct {
	SessionID        string    `json:"session_id"`
	Scores           []float64 `json:"scores"`
	AverageScore     float64   `json:"average_score"`
	Improvement      float64   `json:"improvement"`
	ConsistencyTrend Trend     `json:"consistency_trend"`
	Recommendations  []string  `json:"recommendations"`
}

// Grade maps an overall score to a letter grade.
func Grade(overall float64) string {
	switch {
	case overall >= 0.97:
		return "A+"
	case overall >= 0.93:
		return "A"
	case overall >= 0.88:
		return "B+"
	case overall >= 0.83:
		return "B"
	case overall >= 0.77:
		return "C+"
	case overall >= 0.70:
		return "C"
	case overall >= 0.60:
		return "D"
	}
	return "F"
}
