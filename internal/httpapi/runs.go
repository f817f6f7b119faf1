package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/pipeline"
	"github.com/Abby263/docugen/internal/render"
	"github.com/Abby263/docugen/internal/server"
	"github.com/Abby263/docugen/internal/streaming"
)

// RunAPI is the run service surface the HTTP layer needs.
type RunAPI interface {
	StartRun(ctx context.Context, req pipeline.Request) (string, error)
	CancelRun(ctx context.Context, runID string) error
	GetState(ctx context.Context, runID string) (pipeline.State, error)
	Iterate(ctx context.Context, projectID, instruction string) (string, error)
}

// RunsHandler exposes the run lifecycle as JSON endpoints.
//
//	POST /runs                      start a run
//	GET  /runs/{id}                 current state
//	POST /runs/{id}/cancel          cancel
//	GET  /runs/{id}/document        export (?format=markdown|html)
//	POST /projects/{id}/iterations  edit the latest version of a project
type RunsHandler struct {
	runs      RunAPI
	logger    *zap.Logger
	authToken string
}

// NewRunsHandler creates a new handler. An empty authToken disables auth.
func NewRunsHandler(runs RunAPI, logger *zap.Logger, authToken string) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{runs: runs, logger: logger, authToken: authToken}
}

// RegisterRoutes registers run routes on the provided mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.authorized(h.handleStart))
	mux.HandleFunc("GET /runs/{id}", h.authorized(h.handleState))
	mux.HandleFunc("POST /runs/{id}/cancel", h.authorized(h.handleCancel))
	mux.HandleFunc("GET /runs/{id}/document", h.authorized(h.handleDocument))
	mux.HandleFunc("POST /projects/{id}/iterations", h.authorized(h.handleIterate))
}

func (h *RunsHandler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

type startRunRequest struct {
	Query        string           `json:"query"`
	DocumentType string           `json:"document_type"`
	Options      pipeline.Options `json:"options"`
	SeedContext  string           `json:"seed_context,omitempty"`
	ProjectID    string           `json:"project_id,omitempty"`
}

type iterateRequest struct {
	Instruction string `json:"instruction"`
}

func (h *RunsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("start run decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := h.runs.StartRun(r.Context(), pipeline.Request{
		RawQuery:     req.Query,
		DocumentType: pipeline.DocumentType(req.DocumentType),
		Options:      req.Options,
		SeedContext:  req.SeedContext,
		ProjectID:    req.ProjectID,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": pipeline.StatusPending})
}

func (h *RunsHandler) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	id := r.PathValue("id")
	if err := h.runs.CancelRun(ctx, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "status": "cancelling"})
}

func (h *RunsHandler) handleDocument(w http.ResponseWriter, r *http.Request) {
	format := render.FormatMarkdown
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := render.ParseFormat(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	st, err := h.runs.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if st.Status != pipeline.StatusCompleted || st.Final == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is %s", st.Status))
		return
	}
	body, err := render.Render(*st.Final, format)
	if err != nil {
		if errors.Is(err, render.ErrUnsupportedFormat) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		h.logger.Error("render failed", zap.String("run_id", st.RunID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	contentType := "text/markdown; charset=utf-8"
	if format == render.FormatHTML {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *RunsHandler) handleIterate(w http.ResponseWriter, r *http.Request) {
	var req iterateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	projectID := r.PathValue("id")
	runID, err := h.runs.Iterate(r.Context(), projectID, req.Instruction)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "project_id": projectID, "status": pipeline.StatusPending})
}

func (h *RunsHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, server.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, server.ErrRunNotFound), errors.Is(err, server.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, server.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, server.ErrQueueFull), errors.Is(err, server.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("run service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartAPIServer starts a dedicated HTTP server for the run API and
// progress streams.
func StartAPIServer(port int, authToken string, runs RunAPI, mgr *streaming.Manager, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	NewRunsHandler(runs, logger, authToken).RegisterRoutes(mux)
	NewStreamingHandler(mgr, logger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Starting run API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Run API server failed", zap.Error(err))
		}
	}()
	return srv
}
