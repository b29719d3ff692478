package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meltforce/repform/internal/analysis"
	"github.com/meltforce/repform/internal/compute"
	"github.com/meltforce/repform/internal/eventbus"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/scoring"
)

// Why a finished rep was not counted.
const (
	ReasonShallow         = "shallow"
	ReasonInvalidSequence = "invalid_sequence"
	ReasonBelowThreshold  = "below_threshold"
)

// RepResult is a finished repetition and its score.
type RepResult struct {
	Number  int               `json:"number"`
	Counted bool              `json:"counted"`
	Reason  string            `json:"reason,omitempty"`
	Score   scoring.FormScore `json:"score"`
	Rep     analysis.Rep      `json:"rep"`
}

// FrameResult is what one frame did to a session.
type FrameResult struct {
	SessionID    string                 `json:"session_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Angles       *pose.ExerciseAngles   `json:"angles,omitempty"`
	Interpolated bool                   `json:"interpolated,omitempty"`
	Skipped      bool                   `json:"skipped,omitempty"`
	NoPose       bool                   `json:"no_pose,omitempty"`
	Phase        phase.Phase            `json:"phase"`
	Transition   *phase.StateTransition `json:"transition,omitempty"`
	TimedOut     bool                   `json:"timed_out,omitempty"`
	Progress     float64                `json:"progress"`
	Warnings     []string               `json:"warnings,omitempty"`
	// Issues are the form problems seen in this frame alone.
	Issues       []scoring.FormIssue    `json:"issues,omitempty"`
	Cue          string                 `json:"cue,omitempty"`
	Rep          *RepResult             `json:"rep,omitempty"`
	Recoveries   []faults.Recovery      `json:"recoveries,omitempty"`
	Counted      int                    `json:"counted"`
	Rejected     int                    `json:"rejected"`
}

func (r FrameResult) outcome() string {
	switch {
	case r.NoPose:
		return "no_pose"
	case r.Skipped:
		return "skipped"
	case r.Interpolated:
		return "interpolated"
	}
	return "ok"
}

// SessionSnapshot is a copy of a session's state.
type SessionSnapshot struct {
	ID           string          `json:"id"`
	ExerciseID   string          `json:"exercise_id"`
	SkillMode    phase.SkillMode `json:"skill_mode"`
	StartedAt    time.Time       `json:"started_at"`
	Counted      int             `json:"counted"`
	Rejected     int             `json:"rejected"`
	AverageScore *float64        `json:"average_score,omitempty"`
	RepActive    bool            `json:"rep_active"`
	State        phase.Snapshot  `json:"state"`
	LastRep      *RepResult      `json:"last_rep,omitempty"`
}

// Summary is returned when a session ends.
type Summary struct {
	Session  SessionSnapshot         `json:"session"`
	EndedAt  time.Time               `json:"ended_at"`
	Progress scoring.SessionProgress `json:"progress"`
}

// Session is one person doing one exercise. Frames are processed one at a
// time.
type Session struct {
	id        string
	def       exercise.Definition
	mode      phase.SkillMode
	startedAt time.Time
	cfg       Config
	faults    *faults.Controller
	log       *slog.Logger

	mu       sync.Mutex
	closed   bool
	machine  *phase.Machine
	acc      *analysis.RepAccumulator
	lastGood *pose.ExerciseAngles
	noPose   int

	perfStart  time.Time
	perfFrames int

	reps     int
	counted  int
	rejected int
	scoreSum float64
	lastRep  *RepResult
}

func newSession(id string, def exercise.Definition, mode phase.SkillMode, at time.Time, cfg Config, fc *faults.Controller, log *slog.Logger) *Session {
	log = log.With("session", id)
	return &Session{
		id:        id,
		def:       def,
		mode:      mode,
		startedAt: at,
		cfg:       cfg,
		faults:    fc,
		log:       log,
		machine: phase.New(phase.ThresholdsFor(def, mode), fc,
			phase.WithHistoryCap(cfg.HistoryCap),
			phase.WithTimeout(cfg.StateTimeout),
			phase.WithLogger(log)),
		acc: analysis.NewRepAccumulator(def),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Events subscribes to the session's phase events.
func (s *Session) Events(buffer int) (string, <-chan phase.Event, error) {
	return s.machine.Subscribe(buffer)
}

// StopEvents closes a subscription made with Events.
func (s *Session) StopEvents(id string) error {
	return s.machine.Unsubscribe(id)
}

// EventStats reports delivery counts for a subscription made with Events.
// It fails once the session has ended.
func (s *Session) EventStats(id string) (eventbus.Stats, error) {
	return s.machine.SubscriberStats(id)
}

func (s *Session) process(ctx context.Context, t *Tracker, landmarks []pose.Landmark, at time.Time) (FrameResult, *models.RepRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FrameResult{}, nil, ErrUnknownSession
	}

	res := FrameResult{SessionID: s.id, Timestamp: at}
	if rec, ok := s.checkRate(at); ok {
		res.Recoveries = append(res.Recoveries, rec)
	}

	if len(landmarks) == 0 {
		s.noPose++
		res.NoPose = true
		res.Cue = "No pose detected"
		if s.noPose%s.cfg.NoPoseFrames == 0 {
			res.Recoveries = append(res.Recoveries, s.faults.HandleDetectionFailure(s.cfg.DetectionConfidence, s.noPose))
		}
		s.fill(&res)
		return res, nil, nil
	}
	s.noPose = 0

	angles, err := t.angles.Submit(ctx, landmarks)
	if err == nil && s.def.Joint == exercise.JointElbow && angles.Elbow == 0 {
		angles.Elbow, err = pose.ElbowAngle(landmarks)
	}
	switch {
	case err == nil:
		a := angles
		s.lastGood = &a
		res.Warnings = pose.ValidateLandmarks(landmarks)
	case ctx.Err() != nil || errors.Is(err, compute.ErrPoolClosed):
		return FrameResult{}, nil, err
	default:
		rec := s.faults.HandleAngleCalculationError(err, missingLandmarks(err, landmarks))
		res.Recoveries = append(res.Recoveries, rec)
		if rec.Action == faults.ActionSkipFrame || s.lastGood == nil {
			res.Skipped = true
			res.Cue = "Required landmarks not detected"
			s.fill(&res)
			return res, nil, nil
		}
		angles = *s.lastGood
		res.Interpolated = true
	}
	res.Angles = &angles

	drive := s.def.DriveAngle(angles)
	u := s.machine.Update(at, drive, angles)
	res.Transition = u.Transition
	res.TimedOut = u.TimedOut
	if u.Recovery != nil {
		res.Recoveries = append(res.Recoveries, *u.Recovery)
	}

	frame := analysis.Frame{Angles: angles, Phase: u.Phase, Visibility: pose.MeanVisibility(landmarks), At: at}
	var row *models.RepRow
	switch {
	case u.TimedOut:
		s.acc.Abort()
		res.Issues = analysis.DetectFrameIssues(s.def, frame)
	case u.Transition != nil && u.Transition.From == phase.Standing:
		s.acc.Begin(at)
		res.Issues = s.acc.Add(frame, drive)
	case u.Transition != nil && u.Transition.To == phase.Standing:
		if !s.acc.Active() {
			res.Issues = analysis.DetectFrameIssues(s.def, frame)
			break
		}
		res.Issues = s.acc.Add(frame, drive)
		rr := s.completeRep(t.scorer, u, landmarks, at)
		res.Rep = &rr
		row = s.repRow(rr, at)
	default:
		res.Issues = s.acc.Add(frame, drive)
	}

	res.Cue = analysis.Cue(s.def, u.Phase, drive, res.Issues)
	if res.Rep != nil {
		res.Cue = repCue(*res.Rep)
	}
	s.fill(&res)
	return res, row, nil
}

func repCue(rr RepResult) string {
	switch rr.Reason {
	case "":
		return "Great rep!"
	case ReasonShallow:
		return "Not counted: go deeper"
	case ReasonInvalidSequence:
		return "Not counted: complete the full movement"
	}
	return "Not counted: improve your form"
}

// completeRep scores the accumulated rep and decides whether it counts.
// Must be called with mu held.
func (s *Session) completeRep(scorer *scoring.Engine, u phase.Update, landmarks []pose.Landmark, at time.Time) RepResult {
	rep := s.acc.Finish(at)
	score := scorer.CalculateFormScore(rep.Issues, rep.Correctness, landmarks, s.def.ID, s.id)

	s.reps++
	rr := RepResult{Number: s.reps, Score: score, Rep: rep}
	switch {
	case rep.Shallow || u.Shallow:
		rr.Reason = ReasonShallow
	case !u.ValidRep:
		rr.Reason = ReasonInvalidSequence
	case score.Overall < s.cfg.PerfectScore:
		rr.Reason = ReasonBelowThreshold
	default:
		rr.Counted = true
	}

	result := "counted"
	if rr.Counted {
		s.counted++
	} else {
		s.rejected++
		result = "rejected"
	}
	s.scoreSum += score.Overall
	s.lastRep = &rr

	metrics.Reps.WithLabelValues(s.def.ID, result).Inc()
	metrics.RepScore.WithLabelValues(s.def.ID).Observe(score.Overall)
	s.log.Debug("rep finished", "number", rr.Number, "counted", rr.Counted, "reason", rr.Reason,
		"overall", score.Overall, "grade", score.Grade)
	return rr
}

// checkRate measures the frame rate over the configured window and reports
// a shortfall at most once per window. Must be called with mu held.
func (s *Session) checkRate(at time.Time) (faults.Recovery, bool) {
	if s.perfStart.IsZero() || at.Before(s.perfStart) {
		s.perfStart = at
		s.perfFrames = 0
	}
	s.perfFrames++

	elapsed := at.Sub(s.perfStart)
	if elapsed < s.cfg.PerfWindow {
		return faults.Recovery{}, false
	}
	fps := float64(s.perfFrames-1) / elapsed.Seconds()
	s.perfStart = at
	s.perfFrames = 1
	if fps >= s.cfg.TargetFPS {
		return faults.Recovery{}, false
	}
	return s.faults.HandlePerformanceIssue(fps, s.cfg.TargetFPS), true
}

// fill copies the current phase and counters into res. Must be called with
// mu held.
func (s *Session) fill(res *FrameResult) {
	snap := s.machine.Snapshot()
	res.Phase = snap.Phase
	res.Progress = snap.Progress
	res.Counted = s.counted
	res.Rejected = s.rejected
}

func (s *Session) repRow(rr RepResult, at time.Time) *models.RepRow {
	return &models.RepRow{
		SessionID:    s.id,
		Number:       rr.Number,
		CompletedAt:  at,
		Counted:      rr.Counted,
		Overall:      rr.Score.Overall,
		Grade:        rr.Score.Grade,
		Correctness:  rr.Rep.Correctness,
		DeepestAngle: rr.Rep.DeepestAngle,
		DurationMs:   rr.Rep.Duration.Milliseconds(),
		Breakdown:    rr.Score.Breakdown,
		Issues:       rr.Rep.Issues,
	}
}

// Snapshot copies the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:         s.id,
		ExerciseID: s.def.ID,
		SkillMode:  s.mode,
		StartedAt:  s.startedAt,
		Counted:    s.counted,
		Rejected:   s.rejected,
		RepActive:  s.acc.Active(),
		State:      s.machine.Snapshot(),
	}
	if s.reps > 0 {
		avg := s.scoreSum / float64(s.reps)
		snap.AverageScore = &avg
	}
	if s.lastRep != nil {
		lr := *s.lastRep
		snap.LastRep = &lr
	}
	return snap
}

func (s *Session) row(ended *time.Time) models.SessionRow {
	snap := s.Snapshot()
	return models.SessionRow{
		ID:           s.id,
		ExerciseID:   s.def.ID,
		SkillMode:    s.mode.String(),
		StartedAt:    s.startedAt,
		EndedAt:      ended,
		RepsCounted:  snap.Counted,
		RepsRejected: snap.Rejected,
		AverageScore: snap.AverageScore,
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.machine.Close()
}

// missingLandmarks names the landmarks an angle failure was missing.
func missingLandmarks(err error, landmarks []pose.Landmark) []string {
	var ve *pose.VisibilityError
	if errors.As(err, &ve) {
		return ve.MissingNames()
	}
	if errors.Is(err, pose.ErrInsufficientLandmarks) {
		var out []string
		for i := len(landmarks); i < pose.LandmarkCount; i++ {
			out = append(out, pose.Index(i).String())
		}
		return out
	}
	return nil
}
