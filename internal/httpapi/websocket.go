package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev-friendly; secure via proxy in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *Handler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleWS streams session events over a WebSocket, closing after the
// terminal event. GET /stream/ws?session_id=<id>&last_event_id=<seq>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if lastID := lastEventID(r); lastID > 0 {
		for _, ev := range h.sessions.Streams().ReplaySince(id, lastID) {
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

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	events := h.sessions.StreamEvents(r.Context(), id)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
