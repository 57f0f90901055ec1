package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meeting-transcriber/internal/config"
	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/session"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// SessionView is the read side of a recording session.
type SessionView interface {
	Snapshot() session.Snapshot
}

// BackendStats reports request statistics of the backend client.
type BackendStats interface {
	GetStats() transcription.ClientStats
}

// StatusServer exposes the state of the local session for monitoring.
type StatusServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	session  SessionView
	backend  BackendStats
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewStatusServer creates the local status API. gatherer backs /metrics and
// is usually the registry the metrics were registered with. backend may be nil.
func NewStatusServer(cfg config.StatusConfig, logger *slog.Logger, appConfig *config.Config,
	sess SessionView, backend BackendStats, m *metrics.Metrics, gatherer prometheus.Gatherer) *StatusServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &StatusServer{
		logger:    logger,
		config:    appConfig,
		session:   sess,
		backend:   backend,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Handler returns the routed API.
func (h *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *StatusServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint,
			fmt.Sprintf("%d", ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *StatusServer) Start() error {
	h.logger.Info("Starting status server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Status server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server
func (h *StatusServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping status server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "meeting-transcriber",
			"version": "1.0.0",
		},
		"session": map[string]any{
			"status":       snap.Status,
			"participants": snap.Participants,
			"pending":      snap.Pending,
		},
	}
	if h.backend != nil {
		health["backend"] = h.backend.GetStats()
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *StatusServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *StatusServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}
