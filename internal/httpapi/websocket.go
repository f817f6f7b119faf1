package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS mirrors handleSSE over a WebSocket. Each event is one JSON text
// message; the server sends a close frame after the terminal event.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.mgr.Subscribe(req.runID, 256)
	defer h.mgr.Unsubscribe(req.runID, ch)

	sent := req.lastID
	write := func(evt streaming.Event) (bool, error) {
		if evt.Seq <= sent {
			return false, nil
		}
		sent = evt.Seq
		if req.wants(evt) {
			if err := conn.WriteJSON(evt); err != nil {
				return false, err
			}
		}
		return evt.Terminal(), nil
	}
	closeStream := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	for _, evt := range h.mgr.ReplaySince(req.runID, req.lastID) {
		done, err := write(evt)
		if err != nil {
			return
		}
		if done {
			closeStream()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Client messages are discarded; the reader only notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("run_id", req.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done, err := write(evt)
			if err != nil {
				return
			}
			if done {
				closeStream()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
