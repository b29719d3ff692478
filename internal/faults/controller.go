package faults

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meltforce/repform/internal/eventbus"
	"github.com/meltforce/repform/internal/metrics"
)

const (
	// DefaultCapacity is the size of the error ring buffer.
	DefaultCapacity = 50

	// HealthWindow is how far back IsSystemHealthy looks.
	HealthWindow = 60 * time.Second

	recentLimit = 10
)

// Controller logs faults, decides recovery and broadcasts each fault to
// subscribers. It is safe for concurrent use; one instance is shared by
// every component of a process.
type Controller struct {
	mu    sync.Mutex
	buf   []PoseError
	head  int // index of the oldest entry once the buffer is full
	size  int
	bus   *eventbus.Bus[PoseError]
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithCapacity sets the ring buffer size.
func WithCapacity(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.buf = make([]PoseError, n)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller with an empty log.
func New(log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		buf:   make([]PoseError, DefaultCapacity),
		bus:   eventbus.New[PoseError](),
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe returns a channel receiving every fault logged from now on.
func (c *Controller) Subscribe(buffer int) (string, <-chan PoseError, error) {
	return c.bus.Subscribe(buffer)
}

// Unsubscribe stops delivery to a subscriber and closes its channel.
func (c *Controller) Unsubscribe(id string) error {
	return c.bus.Unsubscribe(id)
}

// SubscriberStats reports how many faults a subscription received and lost.
func (c *Controller) SubscriberStats(id string) (eventbus.Stats, error) {
	return c.bus.Stats(id)
}

// Subscribers returns the number of open fault subscriptions.
func (c *Controller) Subscribers() int {
	return c.bus.Len()
}

// Close shuts down the subscriber bus.
func (c *Controller) Close() {
	c.bus.Close()
}

// HandleDetectionFailure records that the landmark detector found no pose.
// The detector is asked to retry with a lower confidence threshold.
func (c *Controller) HandleDetectionFailure(confidence float64, framesWithoutPose int) Recovery {
	suggested := confidence - 0.1
	if suggested < 0.3 {
		suggested = 0.3
	}
	return c.record(CategoryDetection, SeverityHigh,
		fmt.Sprintf("no pose detected for %d frames", framesWithoutPose),
		map[string]any{
			"confidence_threshold": confidence,
			"suggested_threshold":  suggested,
			"frames_without_pose":  framesWithoutPose,
		},
		Recovery{Recovered: true, Action: ActionLowerConfidence})
}

// HandleAngleCalculationError records a failed angle extraction. More than
// two missing landmarks means the frame is skipped; otherwise angles are
// interpolated from earlier frames.
func (c *Controller) HandleAngleCalculationError(err error, missing []string) Recovery {
	sev, action := SeverityMedium, ActionInterpolate
	if len(missing) > 2 {
		sev, action = SeverityHigh, ActionSkipFrame
	}
	return c.record(CategoryAngle, sev, errMessage(err, "angle calculation failed"),
		map[string]any{"missing_landmarks": missing},
		Recovery{Recovered: true, Action: action})
}

// HandleStateMachineError records a state machine fault. The machine is
// always reset to its initial state, which cannot fail.
func (c *Controller) HandleStateMachineError(message string, context map[string]any) Recovery {
	return c.record(CategoryStateMachine, SeverityMedium, message, context,
		Recovery{Recovered: true, Action: ActionResetStateMachine})
}

// HandlePerformanceIssue records a frame rate shortfall. Below half the
// target rate both resolution and frequency are reduced.
func (c *Controller) HandlePerformanceIssue(fps, targetFPS float64) Recovery {
	sev, action := SeverityMedium, ActionReduceFrequency
	if fps < 0.5*targetFPS {
		sev, action = SeverityHigh, ActionReduceResAndFreq
	}
	return c.record(CategoryPerformance, sev,
		fmt.Sprintf("processing at %.1f fps, target %.1f fps", fps, targetFPS),
		map[string]any{"fps": fps, "target_fps": targetFPS},
		Recovery{Recovered: true, Action: action})
}

// HandleCameraError records a camera failure. This is the only category
// that is never recovered automatically.
func (c *Controller) HandleCameraError(err error) Recovery {
	return c.record(CategoryCamera, SeverityCritical, errMessage(err, "camera unavailable"), nil,
		Recovery{Recovered: false, Action: ActionRequestCameraPermit})
}

// HandleNetworkError records a network failure; processing continues
// locally.
func (c *Controller) HandleNetworkError(err error) Recovery {
	return c.record(CategoryNetwork, SeverityMedium, errMessage(err, "network unavailable"), nil,
		Recovery{Recovered: true, Action: ActionLocalOnly})
}

// HandleStorageError records a persistence failure; processing continues
// without saving.
func (c *Controller) HandleStorageError(err error) Recovery {
	return c.record(CategoryStorage, SeverityLow, errMessage(err, "storage unavailable"), nil,
		Recovery{Recovered: true, Action: ActionContinueNoPersisting})
}

func errMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

// record appends, logs and broadcasts a fault, then hands back the
// recovery decision.
func (c *Controller) record(cat Category, sev Severity, msg string, ctx map[string]any, rec Recovery) Recovery {
	pe := PoseError{
		ID:             c.newID(),
		Category:       cat,
		Severity:       sev,
		Message:        msg,
		Timestamp:      c.now(),
		Context:        ctx,
		Recovered:      rec.Recovered,
		RecoveryAction: rec.Action,
	}

	c.mu.Lock()
	c.append(pe)
	c.mu.Unlock()

	attrs := []any{"id", pe.ID, "category", cat, "severity", sev, "message", msg, "action", rec.Action}
	if sev == SeverityHigh || sev == SeverityCritical {
		c.log.Error("pose error", attrs...)
	} else {
		c.log.Warn("pose error", attrs...)
	}
	metrics.PoseErrors.WithLabelValues(string(cat), string(sev)).Inc()

	c.bus.Publish(pe)
	return rec
}

// append must be called with mu held.
func (c *Controller) append(pe PoseError) {
	if c.size < len(c.buf) {
		c.buf[(c.head+c.size)%len(c.buf)] = pe
		c.size++
		return
	}
	c.buf[c.head] = pe
	c.head = (c.head + 1) % len(c.buf)
}

// Errors returns the logged faults, oldest first.
func (c *Controller) Errors() []PoseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() []PoseError {
	out := make([]PoseError, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.buf[(c.head+i)%len(c.buf)]
	}
	return out
}

// Clear empties the log.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.buf)
	c.head, c.size = 0, 0
}

// Stats summarizes the log. Recent holds the newest entries first.
func (c *Controller) Stats() Stats {
	errs := c.Errors()

	s := Stats{
		Total:      len(errs),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}
	for _, e := range errs {
		s.ByCategory[e.Category]++
		s.BySeverity[e.Severity]++
		if e.Recovered {
			s.Recovered++
		}
	}
	if s.Total > 0 {
		s.RecoveryRate = float64(s.Recovered) / float64(s.Total)
	}
	for i := len(errs) - 1; i >= 0 && len(s.Recent) < recentLimit; i-- {
		s.Recent = append(s.Recent, errs[i])
	}
	return s
}

// IsSystemHealthy inspects faults from the last HealthWindow. Any critical
// fault, more than three high ones or more than five performance faults
// make the system unhealthy.
func (c *Controller) IsSystemHealthy() Health {
	cutoff := c.now().Add(-HealthWindow)

	var critical, high, perf, recent int
	for _, e := range c.Errors() {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		recent++
		switch e.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
		if e.Category == CategoryPerformance {
			perf++
		}
	}

	h := Health{Healthy: true, RecentErrors: recent, Issues: []string{}, Recommendations: []string{}}
	if critical > 0 {
		h.Healthy = false
		h.Issues = append(h.Issues, fmt.Sprintf("%d critical errors in the last minute", critical))
		h.Recommendations = append(h.Recommendations, "Check camera hardware and permissions.")
	}
	if high > 3 {
		h.Healthy = false
		h.Issues = append(h.Issues, fmt.Sprintf("%d high severity errors in the last minute", high))
		h.Recommendations = append(h.Recommendations, "Restart the session.")
	}
	if perf > 5 {
		h.Healthy = false
		h.Issues = append(h.Issues, fmt.Sprintf("%d performance issues in the last minute", perf))
		h.Recommendations = append(h.Recommendations, "Reduce processing load: lower camera resolution or frame rate.")
	}
	return h
}
