package http

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

// eventsHandler upgrades to a websocket and streams bus.Event notifications
// (instance state transitions, trace terminal status) to admin/dashboard
// subscribers — grounded on the gateway's gateway.Server.handleWebSocket
// plus its Subscribe/Unsubscribe-on-connect pattern.
type eventsHandler struct {
	msgBus   *bus.MessageBus
	upgrader websocket.Upgrader
}

func (h *eventsHandler) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("events: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	events := make(chan bus.Event, 32)
	h.msgBus.SubscribeEvents(subID, func(evt bus.Event) {
		select {
		case events <- evt:
		default:
			slog.Warn("events: subscriber channel full, dropping event", "sub_id", subID)
		}
	})
	defer h.msgBus.UnsubscribeEvents(subID)

	// Drain client reads on a background goroutine so a closed connection
	// is detected promptly; this endpoint is send-only from the server.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
