package phase

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meltforce/repform/internal/eventbus"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/pose"
)

const (
	DefaultHistoryCap = 50
	DefaultTimeout    = 30 * time.Second

	// sequenceWindow is how many recent phases are kept for matching.
	sequenceWindow = 10
	// invalidAfter is the sequence length at which a non-matching window
	// is declared invalid.
	invalidAfter = 8
)

// StateTransition is one accepted phase change.
type StateTransition struct {
	From          Phase               `json:"from"`
	To            Phase               `json:"to"`
	Timestamp     time.Time           `json:"timestamp"`
	TriggerAngles pose.ExerciseAngles `json:"trigger_angles"`
}

// EventKind tells subscribers what happened.
type EventKind string

const (
	EventTransition      EventKind = "transition"
	EventValidSequence   EventKind = "valid_sequence"
	EventInvalidSequence EventKind = "invalid_sequence"
	EventTimeoutReset    EventKind = "timeout_reset"
)

// Event is published for every transition and sequence decision.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Transition *StateTransition `json:"transition,omitempty"`
	Sequence   []Phase          `json:"sequence,omitempty"`
	Phase      Phase            `json:"phase"`
	Timestamp  time.Time        `json:"timestamp"`
}

// FaultReporter receives state machine faults. *faults.Controller
// implements it.
type FaultReporter interface {
	HandleStateMachineError(message string, context map[string]any) faults.Recovery
}

// Update is the result of feeding one angle to the machine.
type Update struct {
	Phase      Phase            `json:"phase"`
	Transition *StateTransition `json:"transition,omitempty"`
	// ValidRep is set on the frame that completes ValidPattern.
	ValidRep bool `json:"valid_rep"`
	// InvalidSequence is set when the window filled up without a match.
	InvalidSequence bool `json:"invalid_sequence"`
	// Shallow is set when Transition returned to Standing without reaching
	// Deep.
	Shallow  bool             `json:"shallow"`
	TimedOut bool             `json:"timed_out"`
	Recovery *faults.Recovery `json:"recovery,omitempty"`
	Progress float64          `json:"progress"`
}

// Snapshot is a copy of the machine state.
type Snapshot struct {
	Phase      Phase             `json:"phase"`
	Since      time.Time         `json:"since"`
	History    []StateTransition `json:"history"`
	Sequence   []Phase           `json:"sequence"`
	Progress   float64           `json:"progress"`
	Thresholds Thresholds        `json:"thresholds"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithHistoryCap bounds the transition history.
func WithHistoryCap(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historyCap = n
		}
	}
}

// WithTimeout sets how long the machine may stay out of Standing.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// Machine is the phase state machine of one session. Update must be called
// by a single writer; Snapshot and Subscribe are safe from any goroutine.
type Machine struct {
	mu          sync.Mutex
	th          Thresholds
	phase       Phase
	since       time.Time
	history     []StateTransition
	seq         []Phase
	reachedDeep bool

	historyCap int
	timeout    time.Duration
	faults     FaultReporter
	bus        *eventbus.Bus[Event]
	log        *slog.Logger
}

// New creates a machine in Standing.
func New(th Thresholds, reporter FaultReporter, opts ...Option) *Machine {
	m := &Machine{
		th:         th,
		phase:      Standing,
		seq:        []Phase{Standing},
		historyCap: DefaultHistoryCap,
		timeout:    DefaultTimeout,
		faults:     reporter,
		bus:        eventbus.New[Event](),
		log:        slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe returns a channel of machine events.
func (m *Machine) Subscribe(buffer int) (string, <-chan Event, error) {
	return m.bus.Subscribe(buffer)
}

// Unsubscribe closes a subscription.
func (m *Machine) Unsubscribe(id string) error {
	return m.bus.Unsubscribe(id)
}

// SubscriberStats reports delivery counts for a subscription.
func (m *Machine) SubscriberStats(id string) (eventbus.Stats, error) {
	return m.bus.Stats(id)
}

// Close closes all subscriptions.
func (m *Machine) Close() {
	m.bus.Close()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Update advances the machine with the driving joint angle observed at at.
// At most one adjacent transition happens per call.
func (m *Machine) Update(at time.Time, angle float64, trigger pose.ExerciseAngles) Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	var u Update
	if m.since.IsZero() {
		m.since = at
	}

	if m.phase != Standing && at.Sub(m.since) > m.timeout {
		rec := m.timeoutReset(at)
		u.TimedOut = true
		u.Recovery = &rec
		u.Phase = m.phase
		u.Progress = progress(m.seq)
		return u
	}

	to := m.th.next(m.phase, angle)
	if to != m.phase {
		u.Transition = m.transition(at, to, trigger, &u)
	}

	u.Phase = m.phase
	u.Progress = progress(m.seq)
	return u
}

// transition records an adjacent step and evaluates the sequence. Must be
// called with mu held.
func (m *Machine) transition(at time.Time, to Phase, trigger pose.ExerciseAngles, u *Update) *StateTransition {
	if !m.phase.adjacent(to) {
		// unreachable with Thresholds.next; guarded so history stays valid
		m.log.Error("rejected non-adjacent transition", "from", m.phase, "to", to)
		return nil
	}

	t := StateTransition{From: m.phase, To: to, Timestamp: at, TriggerAngles: trigger}
	if len(m.history) >= m.historyCap {
		m.history = append(m.history[:0], m.history[len(m.history)-m.historyCap+1:]...)
	}
	m.history = append(m.history, t)

	switch {
	case to == Deep:
		m.reachedDeep = true
	case m.phase == Standing:
		m.reachedDeep = false
	case to == Standing && !m.reachedDeep:
		u.Shallow = true
	}

	m.phase = to
	m.since = at
	metrics.PhaseTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	m.bus.Publish(Event{Kind: EventTransition, Transition: &t, Phase: to, Timestamp: at})

	m.seq = append(m.seq, to)
	if len(m.seq) > sequenceWindow {
		m.seq = m.seq[len(m.seq)-sequenceWindow:]
	}
	switch {
	case matchesPattern(m.seq):
		u.ValidRep = true
		m.bus.Publish(Event{Kind: EventValidSequence, Sequence: clonePhases(m.seq), Phase: to, Timestamp: at})
		m.seq = []Phase{to}
	case len(m.seq) >= invalidAfter:
		u.InvalidSequence = true
		m.log.Debug("invalid phase sequence", "sequence", m.seq)
		m.bus.Publish(Event{Kind: EventInvalidSequence, Sequence: clonePhases(m.seq), Phase: to, Timestamp: at})
		// a rep may already be under way inside the rejected window
		if k := pendingPrefix(m.seq); k > 0 {
			m.seq = clonePhases(m.seq[len(m.seq)-k:])
		} else {
			m.seq = []Phase{to}
		}
	}
	return &t
}

// timeoutReset forces the machine back to Standing. No transition is
// recorded because the jump may skip Transition. Must be called with mu
// held.
func (m *Machine) timeoutReset(at time.Time) faults.Recovery {
	from, stuck := m.phase, at.Sub(m.since)
	m.phase = Standing
	m.since = at
	m.seq = []Phase{Standing}
	m.reachedDeep = false

	msg := fmt.Sprintf("phase %s exceeded timeout of %s", from.Name(), m.timeout)
	rec := faults.Recovery{Recovered: true, Action: faults.ActionResetStateMachine}
	if m.faults != nil {
		rec = m.faults.HandleStateMachineError(msg, map[string]any{
			"phase":         string(from),
			"time_in_state": stuck.Seconds(),
		})
	}
	m.bus.Publish(Event{Kind: EventTimeoutReset, Phase: Standing, Timestamp: at})
	return rec
}

// Reset returns the machine to its initial state and clears the history.
func (m *Machine) Reset(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = Standing
	m.since = at
	m.history = nil
	m.seq = []Phase{Standing}
	m.reachedDeep = false
}

// Snapshot copies the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := make([]StateTransition, len(m.history))
	copy(hist, m.history)
	return Snapshot{
		Phase:      m.phase,
		Since:      m.since,
		History:    hist,
		Sequence:   clonePhases(m.seq),
		Progress:   progress(m.seq),
		Thresholds: m.th,
	}
}

func matchesPattern(seq []Phase) bool {
	n := len(ValidPattern)
	if len(seq) < n {
		return false
	}
	tail := seq[len(seq)-n:]
	for i, p := range ValidPattern {
		if tail[i] != p {
			return false
		}
	}
	return true
}

// progress is the longest prefix of ValidPattern that the sequence ends
// with, as a fraction of the pattern length.
func progress(seq []Phase) float64 {
	return float64(pendingPrefix(seq)) / float64(len(ValidPattern))
}

// pendingPrefix is the length of the longest suffix of seq that is a
// prefix of ValidPattern.
func pendingPrefix(seq []Phase) int {
	n := len(ValidPattern)
	for k := min(n, len(seq)); k > 0; k-- {
		tail := seq[len(seq)-k:]
		match := true
		for i := 0; i < k; i++ {
			if tail[i] != ValidPattern[i] {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

func clonePhases(p []Phase) []Phase {
	out := make([]Phase, len(p))
	copy(out, p)
	return out
}
