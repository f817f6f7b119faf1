package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/streaming"
)

// StreamingHandler serves the progress stream of a run over SSE and WebSocket.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers the stream routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs/{id}/events", h.handleSSE)
	mux.HandleFunc("GET /runs/{id}/ws", h.handleWS)
}

// streamRequest holds the options shared by both transports.
type streamRequest struct {
	runID  string
	types  map[string]struct{}
	lastID uint64
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	req := streamRequest{runID: r.PathValue("id"), types: map[string]struct{}{}}
	if req.runID == "" {
		return req, fmt.Errorf("run id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req, nil
}

func (s streamRequest) wants(evt streaming.Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[evt.Type]
	return ok
}

// handleSSE streams progress events via Server-Sent Events. History newer
// than Last-Event-ID is replayed first; the stream closes after the
// terminal event.
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(req.runID, 256)
	defer h.mgr.Unsubscribe(req.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", req.runID)
	flusher.Flush()

	sent := req.lastID
	write := func(evt streaming.Event) bool {
		if evt.Seq <= sent {
			return false
		}
		sent = evt.Seq
		if req.wants(evt) {
			fmt.Fprintf(w, "id: %d\n", evt.Seq)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
		}
		return evt.Terminal()
	}

	for _, evt := range h.mgr.ReplaySince(req.runID, req.lastID) {
		if write(evt) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", req.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := write(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
