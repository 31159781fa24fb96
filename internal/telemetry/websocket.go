package telemetry

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/ofdmsync/internal/logging"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// dashboards are served from other origins on the lab network
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS pushes the retained history and then every new record to a
// websocket client as JSON text messages.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.F("error", err))
		return
	}
	defer conn.Close()

	history, ch, cancel := h.SubscribeWithHistory()
	defer cancel()
	h.logger.Info("websocket client connected", logging.F("remote", r.RemoteAddr))

	// the read loop only exists to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(rec Record) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(rec)
	}
	for _, rec := range history {
		if err := write(rec); err != nil {
			return
		}
	}
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := write(rec); err != nil {
				h.logger.Debug("websocket write failed", logging.F("error", err))
				return
			}
		case <-gone:
			h.logger.Info("websocket client disconnected", logging.F("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
