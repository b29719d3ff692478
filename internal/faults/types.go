// Package faults classifies failures raised anywhere in the analysis
// pipeline, picks a recovery policy for them and keeps a bounded log that
// health checks and stats are computed from.
//
// Nothing reported here is fatal. Critical only means the user has to act
// (for example grant camera access); the pipeline keeps running.
package faults

import "time"

// Category groups faults by the component that raised them.
type Category string

const (
	CategoryDetection    Category = "detection_failure"
	CategoryAngle        Category = "angle_calculation"
	CategoryStateMachine Category = "state_machine"
	CategoryPerformance  Category = "performance"
	CategoryCamera       Category = "camera"
	CategoryNetwork      Category = "network"
	CategoryStorage      Category = "storage"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryDetection, CategoryAngle, CategoryStateMachine, CategoryPerformance,
	CategoryCamera, CategoryNetwork, CategoryStorage,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Severity ranks how much attention a fault needs.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recovery actions, one per policy branch.
const (
	ActionLowerConfidence      = "Lowering detection confidence threshold and retrying."
	ActionSkipFrame            = "Skipping frame due to insufficient landmarks."
	ActionInterpolate          = "Interpolating angles from previous frames."
	ActionResetStateMachine    = "Resetting state machine to initial state."
	ActionReduceResAndFreq     = "Reducing processing resolution and frequency."
	ActionReduceFrequency      = "Reducing processing frequency."
	ActionRequestCameraPermit  = "Requesting camera permissions from user."
	ActionLocalOnly            = "Continuing with local-only processing."
	ActionContinueNoPersisting = "Continuing without persistence."
)

// PoseError is one logged fault. Entries are immutable once appended.
type PoseError struct {
	ID             string         `json:"id"`
	Category       Category       `json:"category"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Timestamp      time.Time      `json:"timestamp"`
	Context        map[string]any `json:"context,omitempty"`
	Recovered      bool           `json:"recovered"`
	RecoveryAction string         `json:"recovery_action"`
}

// Recovery is what a handler decided to do about a fault.
type Recovery struct {
	Recovered bool   `json:"recovered"`
	Action    string `json:"action"`
}

// Fallback is the behavior to fall back to once retries are exhausted.
type Fallback string

const (
	FallbackContinue Fallback = "continue"
	FallbackPause    Fallback = "pause"
	FallbackStop     Fallback = "stop"
)

// Strategy is the retry policy for a category/severity pair.
type Strategy struct {
	MaxRetries       int      `json:"max_retries"`
	RetryDelayMs     int      `json:"retry_delay_ms"`
	FallbackBehavior Fallback `json:"fallback_behavior"`
	UserNotification bool     `json:"user_notification"`
}

// StrategyFor returns the retry policy for a fault. It is a pure lookup.
func StrategyFor(category Category, severity Severity) Strategy {
	switch severity {
	case SeverityCritical:
		return Strategy{MaxRetries: 0, RetryDelayMs: 0, FallbackBehavior: FallbackStop, UserNotification: true}
	case SeverityHigh:
		retries := 2
		if category == CategoryAngle {
			// a skipped frame is replaced by the next one
			retries = 1
		}
		return Strategy{MaxRetries: retries, RetryDelayMs: 1000, FallbackBehavior: FallbackPause, UserNotification: true}
	case SeverityMedium:
		return Strategy{MaxRetries: 5, RetryDelayMs: 500, FallbackBehavior: FallbackContinue, UserNotification: false}
	default:
		return Strategy{MaxRetries: 10, RetryDelayMs: 100, FallbackBehavior: FallbackContinue, UserNotification: false}
	}
}

// Stats summarizes the current contents of the error log.
type Stats struct {
	Total        int              `json:"total"`
	ByCategory   map[Category]int `json:"by_category"`
	BySeverity   map[Severity]int `json:"by_severity"`
	Recovered    int              `json:"recovered"`
	RecoveryRate float64          `json:"recovery_rate"`
	Recent       []PoseError      `json:"recent"`
}

// Health is the result of a health check over the recent window.
type Health struct {
	Healthy         bool     `json:"healthy"`
	RecentErrors    int      `json:"recent_errors"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}
