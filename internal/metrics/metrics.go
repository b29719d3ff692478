// Package metrics declares the Prometheus instruments exported by RepForm.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "pose_errors_total",
		Help:      "Faults logged by the error controller",
	}, []string{"category", "severity"})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "frames_total",
		Help:      "Landmark frames processed, by outcome",
	}, []string{"outcome"})

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "repform",
		Name:      "frame_duration_seconds",
		Help:      "Time to process one landmark frame",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "phase_transitions_total",
		Help:      "Accepted exercise phase transitions",
	}, []string{"from", "to"})

	Reps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "reps_total",
		Help:      "Completed repetitions, counted or rejected for form",
	}, []string{"exercise", "result"})

	RepScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "repform",
		Name:      "rep_score",
		Help:      "Overall form score per repetition",
		Buckets:   []float64{0.5, 0.6, 0.7, 0.77, 0.83, 0.88, 0.93, 0.97, 1},
	}, []string{"exercise"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "repform",
		Name:      "active_sessions",
		Help:      "Sessions currently tracked",
	})

	StreamEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "stream_events_dropped_total",
		Help:      "Events a slow SSE subscriber never received",
	}, []string{"stream"})

	ComputeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repform",
		Name:      "compute_retries_total",
		Help:      "Angle computations retried on the compute lane",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
