package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured by the fronting proxy
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleWS streams thought events for one run over a WebSocket, one JSON
// event per message. Same parameters as the SSE endpoint.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.log.Subscribe(p.runID, 256)
	defer h.log.Unsubscribe(p.runID, ch)

	if p.lastSeq >= 0 {
		for _, ev := range h.log.ReplaySince(p.runID, uint64(p.lastSeq), p.filter) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reader pump; client messages are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !p.filter.Match(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WebSocket write failed", zap.String("run_id", p.runID.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
