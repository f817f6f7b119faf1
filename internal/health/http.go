package health

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPHandler serves health endpoints.
//
//	GET /health         cached report, 503 when a critical check fails
//	GET /health/ready   fresh probe of every checker
//	GET /health/live    process liveness
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.manager.Last()
	if len(rep.Components) == 0 {
		rep = h.manager.Check(r.Context())
	}
	h.write(w, statusCode(rep), rep)
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	rep := h.manager.Check(r.Context())
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, map[string]interface{}{
		"ready":     rep.Ready,
		"status":    rep.Status,
		"message":   rep.Message,
		"timestamp": rep.Timestamp.Unix(),
	})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"live": true, "timestamp": time.Now().Unix()})
}

func statusCode(rep Report) int {
	if rep.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// RouteRegistrar mounts extra routes on the admin mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// StartAdminServer starts the admin HTTP server: health endpoints,
// Prometheus metrics on /metrics and any extra routes.
func StartAdminServer(manager *Manager, port int, logger *zap.Logger, extra ...RouteRegistrar) *http.Server {
	mux := http.NewServeMux()
	NewHTTPHandler(manager, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	for _, r := range extra {
		r.RegisterRoutes(mux)
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Starting admin server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return server
}
