package models

import (
	"time"

	"github.com/meltforce/repform/internal/scoring"
)

// SessionRow is a row of the sessions table.
type SessionRow struct {
	ID           string     `json:"id"`
	ExerciseID   string     `json:"exercise_id"`
	SkillMode    string     `json:"skill_mode"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	RepsCounted  int        `json:"reps_counted"`
	RepsRejected int        `json:"reps_rejected"`
	AverageScore *float64   `json:"average_score,omitempty"`
}

// RepRow is a row of the rep_scores table.
type RepRow struct {
	SessionID    string              `json:"session_id"`
	Number       int                 `json:"number"`
	CompletedAt  time.Time           `json:"completed_at"`
	Counted      bool                `json:"counted"`
	Overall      float64             `json:"overall"`
	Grade        string              `json:"grade"`
	Correctness  float64             `json:"correctness"`
	DeepestAngle float64             `json:"deepest_angle"`
	DurationMs   int64               `json:"duration_ms"`
	Breakdown    scoring.Breakdown   `json:"breakdown"`
	Issues       []scoring.FormIssue `json:"issues"`
}

// PoseErrorRow is a row of the pose_errors table.
type PoseErrorRow struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id,omitempty"`
	Category       string         `json:"category"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Context        map[string]any `json:"context,omitempty"`
	Recovered      bool           `json:"recovered"`
	RecoveryAction string         `json:"recovery_action"`
}

// DataStats holds aggregate statistics about all stored history.
type DataStats struct {
	TotalSessions        int64          `json:"total_sessions"`
	TotalReps            int64          `json:"total_reps"`
	CountedReps          int64          `json:"counted_reps"`
	TotalPoseErrors      int64          `json:"total_pose_errors"`
	EarliestSession      *time.Time     `json:"earliest_session"`
	LatestSession        *time.Time     `json:"latest_session"`
	ByExercise           []ExerciseStat `json:"by_exercise"`
	PoseErrorsByCategory map[string]int `json:"pose_errors_by_category"`
}

// ExerciseStat holds summary stats for a single exercise.
type ExerciseStat struct {
	ExerciseID   string   `json:"exercise_id"`
	Sessions     int64    `json:"sessions"`
	Reps         int64    `json:"reps"`
	CountedReps  int64    `json:"counted_reps"`
	AverageScore *float64 `json:"average_score,omitempty"`
}
