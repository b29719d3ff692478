package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meltforce/repform/internal/faults"
)

// faultRequest is a fault reported by a collaborator outside the analysis
// pipeline: the camera, the detector, the client's network or storage.
type faultRequest struct {
	Category          string         `json:"category"`
	Message           string         `json:"message"`
	Confidence        float64        `json:"confidence"`
	FramesWithoutPose int            `json:"frames_without_pose"`
	FPS               float64        `json:"fps"`
	TargetFPS         float64        `json:"target_fps"`
	MissingLandmarks  []string       `json:"missing_landmarks"`
	Context           map[string]any `json:"context"`
}

type healthResponse struct {
	faults.Health
	ActiveSessions   int  `json:"active_sessions"`
	StorageDegraded  bool `json:"storage_degraded"`
	FaultSubscribers int  `json:"fault_subscribers"`
}

func (s *Server) handleReportFault(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	cat, ok := faults.ParseCategory(req.Category)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category: " + req.Category})
		return
	}

	var cause error
	if req.Message != "" {
		cause = errors.New(req.Message)
	}

	var rec faults.Recovery
	switch cat {
	case faults.CategoryDetection:
		rec = s.faults.HandleDetectionFailure(req.Confidence, req.FramesWithoutPose)
	case faults.CategoryAngle:
		rec = s.faults.HandleAngleCalculationError(cause, req.MissingLandmarks)
	case faults.CategoryStateMachine:
		msg := req.Message
		if msg == "" {
			msg = "state machine error reported by client"
		}
		rec = s.faults.HandleStateMachineError(msg, req.Context)
	case faults.CategoryPerformance:
		if req.TargetFPS <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_fps required"})
			return
		}
		rec = s.faults.HandlePerformanceIssue(req.FPS, req.TargetFPS)
	case faults.CategoryCamera:
		rec = s.faults.HandleCameraError(cause)
	case faults.CategoryNetwork:
		rec = s.faults.HandleNetworkError(cause)
	case faults.CategoryStorage:
		rec = s.faults.HandleStorageError(cause)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Health:           s.faults.IsSystemHealthy(),
		ActiveSessions:   len(s.tracker.Sessions()),
		StorageDegraded:  s.tracker.Degraded(),
		FaultSubscribers: s.faults.Subscribers(),
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("category")
	if filter != "" {
		if _, ok := faults.ParseCategory(filter); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category: " + filter})
			return
		}
	}

	all := s.faults.Errors()
	out := make([]faults.PoseError, 0, len(all))
	for _, e := range all {
		if filter == "" || string(e.Category) == filter {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.faults.Stats())
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	s.faults.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	cat, ok := faults.ParseCategory(r.URL.Query().Get("category"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category"})
		return
	}
	sev := faults.Severity(r.URL.Query().Get("severity"))
	switch sev {
	case faults.SeverityLow, faults.SeverityMedium, faults.SeverityHigh, faults.SeverityCritical:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown severity"})
		return
	}
	writeJSON(w, http.StatusOK, faults.StrategyFor(cat, sev))
}
