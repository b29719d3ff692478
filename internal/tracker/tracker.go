// Package tracker runs live exercise sessions: it turns landmark frames
// into angles, phases, rep scores and fault reports.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/scoring"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrUnknownSession = errors.New("session not found")
	ErrClosed         = errors.New("tracker closed")
)

// Recorder persists sessions, reps and faults. *storage.DB and
// *journal.Journal implement it.
type Recorder interface {
	SaveSession(ctx context.Context, row models.SessionRow) error
	SaveRep(ctx context.Context, row models.RepRow) error
	SavePoseError(ctx context.Context, row models.PoseErrorRow) error
}

// AngleSource computes exercise angles for a frame. *compute.Pool
// implements it.
type AngleSource interface {
	Submit(ctx context.Context, landmarks []pose.Landmark) (pose.ExerciseAngles, error)
}

// Config tunes session behavior.
type Config struct {
	TargetFPS    float64
	PerfWindow   time.Duration
	StateTimeout time.Duration
	HistoryCap   int
	// PerfectScore is the overall score a rep needs to be counted.
	PerfectScore float64
	// DetectionConfidence is reported with detection failures.
	DetectionConfidence float64
	// NoPoseFrames is how many consecutive empty frames make a detection
	// failure.
	NoPoseFrames int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		TargetFPS:           30,
		PerfWindow:          2 * time.Second,
		StateTimeout:        phase.DefaultTimeout,
		HistoryCap:          phase.DefaultHistoryCap,
		PerfectScore:        0.85,
		DetectionConfidence: 0.5,
		NoPoseFrames:        15,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TargetFPS <= 0 {
		c.TargetFPS = d.TargetFPS
	}
	if c.PerfWindow <= 0 {
		c.PerfWindow = d.PerfWindow
	}
	if c.StateTimeout <= 0 {
		c.StateTimeout = d.StateTimeout
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = d.HistoryCap
	}
	if c.PerfectScore <= 0 {
		c.PerfectScore = d.PerfectScore
	}
	if c.DetectionConfidence <= 0 {
		c.DetectionConfidence = d.DetectionConfidence
	}
	if c.NoPoseFrames <= 0 {
		c.NoPoseFrames = d.NoPoseFrames
	}
	return c
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder persists to primary and switches to fallback when primary
// becomes unreachable. Either may be nil.
func WithRecorder(primary, fallback Recorder) Option {
	return func(t *Tracker) {
		t.store.primary = primary
		t.store.fallback = fallback
	}
}

// WithClock overrides the wall clock used for session start and end times.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker owns all live sessions.
type Tracker struct {
	cfg     Config
	catalog *exercise.Catalog
	angles  AngleSource
	faults  *faults.Controller
	scorer  *scoring.Engine
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	store store
	subID string
	wg    sync.WaitGroup
}

// New creates a tracker and starts persisting every fault the controller
// logs.
func New(cfg Config, catalog *exercise.Catalog, angles AngleSource, fc *faults.Controller, scorer *scoring.Engine, log *slog.Logger, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		catalog:  catalog,
		angles:   angles,
		faults:   fc,
		scorer:   scorer,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(t)
	}
	t.store.log = log
	t.store.faults = fc

	id, ch, err := fc.Subscribe(256)
	if err != nil {
		return nil, fmt.Errorf("subscribing to faults: %w", err)
	}
	t.subID = id
	t.wg.Add(1)
	go t.sinkFaults(ch)
	return t, nil
}

// Start opens a session. An empty id gets a generated one.
func (t *Tracker) Start(ctx context.Context, id, exerciseID string, mode phase.SkillMode) (*Session, error) {
	def, err := t.catalog.Get(exerciseID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := t.sessions[id]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := newSession(id, def, mode, t.now(), t.cfg, t.faults, t.log)
	t.sessions[id] = s
	t.mu.Unlock()

	metrics.ActiveSessions.Inc()
	t.log.Info("session started", "session", id, "exercise", def.ID, "mode", mode)
	t.store.persist(ctx, func(r Recorder) error { return r.SaveSession(ctx, s.row(nil)) })
	return s, nil
}

// Session returns a live session.
func (t *Tracker) Session(id string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Sessions returns snapshots of all live sessions ordered by start time.
func (t *Tracker) Sessions() []SessionSnapshot {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ProcessFrame feeds one landmark frame observed at at to a session.
func (t *Tracker) ProcessFrame(ctx context.Context, id string, landmarks []pose.Landmark, at time.Time) (FrameResult, error) {
	s, err := t.Session(id)
	if err != nil {
		return FrameResult{}, err
	}

	start := time.Now()
	res, rep, err := s.process(ctx, t, landmarks, at)
	metrics.FrameDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Frames.WithLabelValues("error").Inc()
		return FrameResult{}, err
	}
	metrics.Frames.WithLabelValues(res.outcome()).Inc()

	if rep != nil {
		recs := t.store.persist(ctx, func(r Recorder) error { return r.SaveRep(ctx, *rep) })
		res.Recoveries = append(res.Recoveries, recs...)
	}
	return res, nil
}

// Progress returns the score history summary of a session.
func (t *Tracker) Progress(id string) (scoring.SessionProgress, bool) {
	return t.scorer.GetSessionProgress(id)
}

// End closes a session, persists its totals and drops its score history.
func (t *Tracker) End(ctx context.Context, id string) (Summary, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	return t.finish(ctx, s), nil
}

func (t *Tracker) finish(ctx context.Context, s *Session) Summary {
	ended := t.now()
	sum := Summary{Session: s.Snapshot(), EndedAt: ended}
	sum.Progress, _ = t.scorer.GetSessionProgress(s.id)

	s.close()
	t.scorer.ClearSession(s.id)
	metrics.ActiveSessions.Dec()

	row := s.row(&ended)
	t.store.persist(ctx, func(r Recorder) error { return r.SaveSession(ctx, row) })
	t.log.Info("session ended", "session", s.id, "counted", sum.Session.Counted, "rejected", sum.Session.Rejected)
	return sum
}

// Close ends every session and stops fault persistence.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	live := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		live = append(live, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, s := range live {
		t.finish(ctx, s)
	}
	if err := t.faults.Unsubscribe(t.subID); err != nil {
		t.log.Debug("fault subscription already closed", "error", err)
	}
	t.wg.Wait()
}

// Degraded reports whether writes go to the fallback recorder.
func (t *Tracker) Degraded() bool {
	return t.store.isDegraded()
}

// sinkFaults persists controller faults. Write failures are only logged;
// reporting them would feed the loop.
func (t *Tracker) sinkFaults(ch <-chan faults.PoseError) {
	defer t.wg.Done()
	for pe := range ch {
		r := t.store.current()
		if r == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.SavePoseError(ctx, poseErrorRow(pe)); err != nil {
			t.log.Debug("dropping pose error", "id", pe.ID, "error", err)
		}
		cancel()
	}
}

func poseErrorRow(pe faults.PoseError) models.PoseErrorRow {
	return models.PoseErrorRow{
		ID:             pe.ID,
		Category:       string(pe.Category),
		Severity:       string(pe.Severity),
		Message:        pe.Message,
		OccurredAt:     pe.Timestamp,
		Context:        pe.Context,
		Recovered:      pe.Recovered,
		RecoveryAction: pe.RecoveryAction,
	}
}
