package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meltforce/repform/internal/compute"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/meltforce/repform/internal/tracker"
)

type startSessionRequest struct {
	ID         string `json:"id"`
	ExerciseID string `json:"exercise_id"`
	// SkillMode falls back to the configured default when empty.
	SkillMode string `json:"skill_mode"`
}

// frameRequest is one landmark frame. A zero timestamp means "now".
type frameRequest struct {
	Landmarks []pose.Landmark `json:"landmarks"`
	Timestamp time.Time       `json:"timestamp"`
}

func (f frameRequest) at() time.Time {
	if f.Timestamp.IsZero() {
		return time.Now()
	}
	return f.Timestamp
}

type scoreRequest struct {
	ExerciseID  string              `json:"exercise_id"`
	SessionID   string              `json:"session_id"`
	Issues      []scoring.FormIssue `json:"issues"`
	Correctness float64             `json:"correctness"`
	Landmarks   []pose.Landmark     `json:"landmarks"`
	// Projected scores the rep as if the issues had been worked on.
	Projected bool `json:"projected"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userInfoFromContext(r))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.ExerciseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exercise_id required"})
		return
	}

	mode := s.defaultMode
	if req.SkillMode != "" {
		m, err := phase.ParseSkillMode(req.SkillMode)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		mode = m
	}

	sess, err := s.tracker.Start(r.Context(), req.ID, req.ExerciseID, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("session opened", "session", sess.ID(), "user", userInfoFromContext(r).Login)
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.tracker.End(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	res, err := s.tracker.ProcessFrame(r.Context(), chi.URLParam(r, "id"), req.Landmarks, req.at())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.tracker.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.tracker.Progress(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.ExerciseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exercise_id required"})
		return
	}

	var fs scoring.FormScore
	if req.Projected {
		fs = s.scorer.ProjectedScore(req.Issues, req.Correctness, req.Landmarks, req.ExerciseID)
	} else {
		fs = s.scorer.CalculateFormScore(req.Issues, req.Correctness, req.Landmarks, req.ExerciseID, req.SessionID)
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no history store configured"})
		return
	}
	rows, err := s.history.ListSessions(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no history store configured"})
		return
	}
	stats, err := s.history.GetDataStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistoryReps(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no history store configured"})
		return
	}
	rows, err := s.history.QueryReps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

func (s *Server) handleGetExercise(w http.ResponseWriter, r *http.Request) {
	def, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// writeError maps tracker and catalog errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrUnknownSession):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, tracker.ErrSessionExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, exercise.ErrUnknownExercise):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, tracker.ErrClosed), errors.Is(err, compute.ErrPoolClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
