package mcp

import (
	"context"
	"errors"

	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/meltforce/repform/internal/tracker"
)

var (
	// ErrNotFound is returned for sessions that are not live or have no
	// scores yet.
	ErrNotFound = errors.New("not found")
	// ErrNoHistory is returned when no history store is configured.
	ErrNoHistory = errors.New("no history store configured")
)

// ScoreRequest asks for a form score without touching any session state
// beyond the optional SessionID history.
type ScoreRequest struct {
	ExerciseID  string              `json:"exercise_id"`
	SessionID   string              `json:"session_id,omitempty"`
	Issues      []scoring.FormIssue `json:"issues"`
	Correctness float64             `json:"correctness"`
	Projected   bool                `json:"projected,omitempty"`
}

// DataSource abstracts the analysis core for MCP tools. Local (in-process)
// and HTTPClient (remote via REST API) satisfy this interface.
type DataSource interface {
	ActiveSessions(ctx context.Context) ([]tracker.SessionSnapshot, error)
	SessionProgress(ctx context.Context, sessionID string) (*scoring.SessionProgress, error)
	SystemHealth(ctx context.Context) (*faults.Health, error)
	ErrorStats(ctx context.Context) (*faults.Stats, error)
	Exercises(ctx context.Context) ([]exercise.Definition, error)
	ScoreForm(ctx context.Context, req ScoreRequest) (*scoring.FormScore, error)
	SessionHistory(ctx context.Context, limit int) ([]models.SessionRow, error)
	RepHistory(ctx context.Context, sessionID string) ([]models.RepRow, error)
	DataStats(ctx context.Context) (*models.DataStats, error)
}

// History is the read side of a session store.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]models.SessionRow, error)
	QueryReps(ctx context.Context, sessionID string) ([]models.RepRow, error)
	GetDataStats(ctx context.Context) (*models.DataStats, error)
}

// Local serves MCP tools from the running process.
type Local struct {
	Tracker *tracker.Tracker
	Faults  *faults.Controller
	Scorer  *scoring.Engine
	Catalog *exercise.Catalog
	// History may be nil.
	History History
}

// Compile-time check: *Local satisfies DataSource.
var _ DataSource = (*Local)(nil)

func (l *Local) ActiveSessions(context.Context) ([]tracker.SessionSnapshot, error) {
	return l.Tracker.Sessions(), nil
}

func (l *Local) SessionProgress(_ context.Context, sessionID string) (*scoring.SessionProgress, error) {
	p, ok := l.Tracker.Progress(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (l *Local) SystemHealth(context.Context) (*faults.Health, error) {
	h := l.Faults.IsSystemHealthy()
	return &h, nil
}

func (l *Local) ErrorStats(context.Context) (*faults.Stats, error) {
	s := l.Faults.Stats()
	return &s, nil
}

func (l *Local) Exercises(context.Context) ([]exercise.Definition, error) {
	return l.Catalog.List(), nil
}

func (l *Local) ScoreForm(_ context.Context, req ScoreRequest) (*scoring.FormScore, error) {
	if _, err := l.Catalog.Get(req.ExerciseID); err != nil {
		return nil, err
	}
	var fs scoring.FormScore
	if req.Projected {
		fs = l.Scorer.ProjectedScore(req.Issues, req.Correctness, nil, req.ExerciseID)
	} else {
		fs = l.Scorer.CalculateFormScore(req.Issues, req.Correctness, nil, req.ExerciseID, req.SessionID)
	}
	return &fs, nil
}

func (l *Local) SessionHistory(ctx context.Context, limit int) ([]models.SessionRow, error) {
	if l.History == nil {
		return nil, ErrNoHistory
	}
	return l.History.ListSessions(ctx, limit)
}

func (l *Local) RepHistory(ctx context.Context, sessionID string) ([]models.RepRow, error) {
	if l.History == nil {
		return nil, ErrNoHistory
	}
	return l.History.QueryReps(ctx, sessionID)
}

func (l *Local) DataStats(ctx context.Context) (*models.DataStats, error) {
	if l.History == nil {
		return nil, ErrNoHistory
	}
	return l.History.GetDataStats(ctx)
}
