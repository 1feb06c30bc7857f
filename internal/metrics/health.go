package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	overlayrelay "github.com/e7canasta/overlay-relay"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	Connected() bool
}

// HealthStatus represents the health state of the relay service
type HealthStatus struct {
	Status         string `json:"status"` // "healthy", "degraded", "unhealthy"
	State          string `json:"state"`
	SessionID      string `json:"session_id,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	FramesRelayed  uint64 `json:"frames_relayed"`
	LastFrameAgeMS int64  `json:"last_frame_age_ms"`
	MQTTEnabled    bool   `json:"mqtt_enabled"`
	MQTTConnected  bool   `json:"mqtt_connected"`
	LastError      string `json:"last_error,omitempty"`
}

// Health evaluates relay and broker state.
type Health struct {
	source  StatsSource
	mqtt    ConnectionChecker // nil when MQTT is disabled
	started time.Time
}

// NewHealth creates a health checker. mqtt may be nil.
func NewHealth(source StatsSource, mqtt ConnectionChecker) *Health {
	return &Health{source: source, mqtt: mqtt, started: time.Now()}
}

// Check returns the current health status of the service
func (h *Health) Check() HealthStatus {
	s := h.source.Stats()

	status := HealthStatus{
		Status:         StatusHealthy,
		State:          s.State.String(),
		SessionID:      s.SessionID,
		UptimeSeconds:  int64(s.Uptime.Seconds()),
		FramesRelayed:  s.FramesRelayed,
		LastFrameAgeMS: s.LatencyMS,
		MQTTEnabled:    h.mqtt != nil,
		LastError:      s.LastError,
	}
	if h.mqtt != nil {
		status.MQTTConnected = h.mqtt.Connected()
	}

	// Determine overall health status
	switch {
	case s.State == overlayrelay.StateIdle || s.State == overlayrelay.StateStopped:
		status.Status = StatusUnhealthy
	case s.State == overlayrelay.StatePaused:
		status.Status = StatusDegraded
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = StatusDegraded
	}

	return status
}

// LivenessHandler handles /health: 200 while the process is serving
func (h *Health) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 503 unless the relay is running or paused
func (h *Health) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	health := h.Check()

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// Server serves /health, /readiness and /metrics.
type Server struct {
	server *http.Server
}

// NewServer builds the HTTP server. gatherer is usually the registry the
// Collector was registered with.
func NewServer(addr string, health *Health, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler)
	mux.HandleFunc("/readiness", health.ReadinessHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves in a goroutine and does not block.
func (s *Server) Start() {
	slog.Info("metrics: starting health server",
		"addr", s.server.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics: health server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
