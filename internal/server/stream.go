package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/meltforce/repform/internal/eventbus"
	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/tracker"
	"golang.org/x/time/rate"
)

const (
	streamReadLimit = 1 << 20
	writeWait       = 5 * time.Second
)

type droppedFrame struct {
	Dropped   bool      `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

// handleStream takes landmark frames over a WebSocket and answers each one
// with its FrameResult. Frames arriving faster than maxFPS are dropped and
// acknowledged as such.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.tracker.Session(id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)

	limit := rate.Inf
	if s.maxFPS > 0 {
		limit = rate.Limit(s.maxFPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	s.log.Info("stream opened", "session", id)
	for {
		var req frameRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("stream read failed", "session", id, "error", err)
			}
			return
		}

		var reply any
		if limiter.Allow() {
			res, err := s.tracker.ProcessFrame(r.Context(), id, req.Landmarks, req.at())
			if err != nil {
				s.closeStream(conn, id, err)
				return
			}
			reply = res
		} else {
			metrics.Frames.WithLabelValues("dropped").Inc()
			reply = droppedFrame{Dropped: true, Timestamp: req.at()}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			s.log.Warn("stream write failed", "session", id, "error", err)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, id string, err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, tracker.ErrUnknownSession) {
		code = websocket.CloseNormalClosure
	}
	s.log.Info("stream closed", "session", id, "reason", err)
	msg := websocket.FormatCloseMessage(code, err.Error())
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleErrorEvents streams every fault the controller logs as
// server-sent events.
func (s *Server) handleErrorEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	subID, ch, err := s.faults.Subscribe(32)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	defer func() {
		if st, err := s.faults.SubscriberStats(subID); err == nil {
			s.reportDrops("errors", st)
		}
		s.faults.Unsubscribe(subID)
	}()

	startSSE(w)
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", mustJSON(s.faults.IsSystemHealthy()))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case pe, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: pose_error\ndata: %s\n\n", mustJSON(pe))
			flusher.Flush()
		}
	}
}

// handleSessionEvents streams a session's phase events as server-sent
// events until the session ends or the client goes away.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.tracker.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	subID, ch, err := sess.Events(32)
	if err != nil {
		s.writeError(w, tracker.ErrUnknownSession)
		return
	}
	defer func() {
		// after the session ends the subscription is already gone
		if st, err := sess.EventStats(subID); err == nil {
			s.reportDrops("session", st)
		}
		sess.StopEvents(subID)
	}()

	startSSE(w)
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", mustJSON(sess.Snapshot()))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, mustJSON(evt))
			flusher.Flush()
		}
	}
}

func (s *Server) reportDrops(stream string, st eventbus.Stats) {
	if st.Dropped == 0 {
		return
	}
	metrics.StreamEventsDropped.WithLabelValues(stream).Add(float64(st.Dropped))
	s.log.Warn("event subscriber fell behind", "stream", stream, "sent", st.Sent, "dropped", st.Dropped)
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{}`
	}
	return string(b)
}
