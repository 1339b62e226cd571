// File: metrics/metrics.go
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_ws_connections_active",
		Help: "The current number of active voice WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_ws_connections_total",
		Help: "The total number of voice WebSocket connections accepted.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_ws_frames_received_total",
		Help: "The total number of frames received from clients.",
	}, []string{"kind"})
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_ws_frames_sent_total",
		Help: "The total number of frames sent to clients.",
	}, []string{"kind"})

	// Session Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "The current number of live conversation sessions.",
	})
	SessionsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_sessions_removed_total",
		Help: "The total number of sessions removed, by reason.",
	}, []string{"reason"})

	// Admission Metrics
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_admission_rejections_total",
		Help: "The total number of utterances rejected before the pipeline ran.",
	}, []string{"reason"})
	PipelineSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_pipeline_slots_in_use",
		Help: "The number of pipeline slots currently held.",
	})

	// Pipeline Metrics
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_pipeline_stage_duration_seconds",
		Help:    "Wall time of one pipeline stage attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"stage"})
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_stage_retries_total",
		Help: "The total number of stage retries.",
	}, []string{"stage"})
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_stage_failures_total",
		Help: "The total number of failed stage attempts, by kind.",
	}, []string{"stage", "kind"})
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_runs_total",
		Help: "The total number of pipeline executions, by outcome.",
	}, []string{"outcome"})
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_duration_seconds",
		Help:    "Summed stage latency of successful pipeline executions.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of turn events published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
