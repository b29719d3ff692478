package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/meltforce/repform/internal/tracker"
)

// History reads finished sessions back. *storage.DB and *journal.Journal
// implement it.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]models.SessionRow, error)
	QueryReps(ctx context.Context, sessionID string) ([]models.RepRow, error)
	GetDataStats(ctx context.Context) (*models.DataStats, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Tracker *tracker.Tracker
	Faults  *faults.Controller
	Scorer  *scoring.Engine
	Catalog *exercise.Catalog
	// History may be nil.
	History     History
	DefaultMode phase.SkillMode
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	tracker     *tracker.Tracker
	faults      *faults.Controller
	scorer      *scoring.Engine
	catalog     *exercise.Catalog
	history     History
	defaultMode phase.SkillMode
	log         *slog.Logger
	apiKey      string
	maxFPS      float64
	identity    IdentityFunc
	upgrader    websocket.Upgrader
	router      chi.Router
}

// New creates a new Server with all routes configured. maxFPS caps how
// many frames per second a stream connection may submit.
func New(deps Deps, apiKey string, maxFPS float64, log *slog.Logger) *Server {
	s := &Server{
		tracker:     deps.Tracker,
		faults:      deps.Faults,
		scorer:      deps.Scorer,
		catalog:     deps.Catalog,
		history:     deps.History,
		defaultMode: deps.DefaultMode,
		log:         log,
		apiKey:      apiKey,
		maxFPS:      maxFPS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))
	s.router.Use(CORS)
	s.router.Use(s.identify)

	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		// Write endpoints (API key required)
		r.Group(func(r chi.Router) {
			r.Use(APIKeyAuth(s.apiKey))
			r.Post("/sessions", s.handleStartSession)
			r.Delete("/sessions/{id}", s.handleEndSession)
			r.Post("/sessions/{id}/frames", s.handleFrame)
			r.Get("/sessions/{id}/stream", s.handleStream)
			r.Post("/score", s.handleScore)
			r.Post("/faults", s.handleReportFault)
			r.Delete("/errors", s.handleClearErrors)
		})

		// Read endpoints (no auth, tsnet handles access)
		r.Get("/me", s.handleMe)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/progress", s.handleProgress)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/history/stats", s.handleHistoryStats)
		r.Get("/history/sessions", s.handleHistorySessions)
		r.Get("/history/sessions/{id}/reps", s.handleHistoryReps)
		r.Get("/health", s.handleHealth)
		r.Get("/errors", s.handleListErrors)
		r.Get("/errors/stats", s.handleErrorStats)
		r.Get("/errors/strategy", s.handleStrategy)
		r.Get("/errors/events", s.handleErrorEvents)
		r.Get("/exercises", s.handleListExercises)
		r.Get("/exercises/{id}", s.handleGetExercise)
	})
}

// SetMCP mounts an MCP handler at /mcp behind the API key.
func (s *Server) SetMCP(h http.Handler) {
	s.router.With(APIKeyAuth(s.apiKey)).Handle("/mcp", h)
}
