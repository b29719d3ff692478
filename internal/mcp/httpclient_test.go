package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/scoring"
)

// newTestServer creates an httptest server that routes requests to handler functions
// keyed by path. Verifies the HTTP client sends correct paths and query params.
func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			t.Errorf("unexpected request path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
}

func writeTestJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatal(err)
	}
}

// TestSessionProgress verifies the path escaping and the decoded response.
func TestSessionProgress(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/sessions/s1/progress": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusOK, scoring.SessionProgress{
				SessionID:    "s1",
				Scores:       []float64{0.8, 0.9},
				AverageScore: 0.85,
			})
		},
	})
	defer ts.Close()

	p, err := NewHTTPClient(ts.URL, "").SessionProgress(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Scores) != 2 || p.AverageScore != 0.85 {
		t.Errorf("progress = %+v", p)
	}
}

// TestSessionProgressNotFound verifies a 404 maps onto ErrNotFound.
func TestSessionProgressNotFound(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/sessions/ghost/progress": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusNotFound, map[string]string{"error": "session not found"})
		},
	})
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, "").SessionProgress(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestSystemHealthUnhealthy verifies the 503 health answer still decodes.
func TestSystemHealthUnhealthy(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/health": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusServiceUnavailable, map[string]any{
				"healthy":         false,
				"recent_errors":   1,
				"issues":          []string{"1 critical errors in the last minute"},
				"recommendations": []string{"Check camera hardware and permissions."},
				"active_sessions": 2,
			})
		},
	})
	defer ts.Close()

	h, err := NewHTTPClient(ts.URL, "").SystemHealth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Healthy || h.RecentErrors != 1 {
		t.Errorf("health = %+v", h)
	}
}

// TestErrorStatsServerError verifies other statuses surface as errors.
func TestErrorStatsServerError(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/errors/stats": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	})
	defer ts.Close()

	if _, err := NewHTTPClient(ts.URL, "").ErrorStats(context.Background()); err == nil {
		t.Error("expected error for 500 response")
	}
}

// TestScoreFormSendsKey verifies the POST body and the API key header.
func TestScoreFormSendsKey(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/score": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if got := r.Header.Get("X-API-Key"); got != "secret" {
				t.Errorf("X-API-Key = %q, want secret", got)
			}
			var req ScoreRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatal(err)
			}
			if req.ExerciseID != "lunge" || len(req.Issues) != 1 {
				t.Errorf("request = %+v", req)
			}
			writeTestJSON(t, w, http.StatusOK, scoring.FormScore{Overall: 0.7, Grade: "C"})
		},
	})
	defer ts.Close()

	fs, err := NewHTTPClient(ts.URL, "secret").ScoreForm(context.Background(), ScoreRequest{
		ExerciseID:  "lunge",
		Correctness: 0.8,
		Issues:      []scoring.FormIssue{{Type: scoring.Alignment, Severity: scoring.SeverityMedium}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fs.Grade != "C" {
		t.Errorf("grade = %q, want C", fs.Grade)
	}
}

// TestSessionHistoryLimit verifies the limit query parameter.
func TestSessionHistoryLimit(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/history/sessions": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "5" {
				t.Errorf("limit=%q, want 5", got)
			}
			writeTestJSON(t, w, http.StatusOK, []models.SessionRow{{ID: "s1", ExerciseID: "squat", RepsCounted: 3}})
		},
	})
	defer ts.Close()

	rows, err := NewHTTPClient(ts.URL, "").SessionHistory(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RepsCounted != 3 {
		t.Errorf("rows = %+v", rows)
	}
}

// TestRepHistory verifies rep rows decode with their breakdown.
func TestRepHistory(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/history/sessions/s1/reps": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusOK, []models.RepRow{
				{SessionID: "s1", Number: 1, Counted: true, Overall: 0.9, Breakdown: scoring.Breakdown{Posture: 0.8}},
			})
		},
	})
	defer ts.Close()

	rows, err := NewHTTPClient(ts.URL, "").RepHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Breakdown.Posture != 0.8 {
		t.Errorf("rows = %+v", rows)
	}
}

// TestExercisesAndSessions covers the remaining list endpoints.
func TestExercisesAndSessions(t *testing.T) {
	ts := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/exercises": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusOK, []map[string]any{{"id": "squat", "name": "Squat"}})
		},
		"/api/v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusOK, []map[string]any{{"id": "s1", "exercise_id": "squat"}})
		},
		"/api/v1/errors/stats": func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(t, w, http.StatusOK, faults.Stats{Total: 4})
		},
	})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "")
	ctx := context.Background()

	defs, err := c.Exercises(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].ID != "squat" {
		t.Errorf("exercises = %+v", defs)
	}

	sessions, err := c.ActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", sessions)
	}

	stats, err := c.ErrorStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
}
