package localbus

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// Handler upgrades an HTTP connection to a websocket subscriber, adapted
// from the teacher's WebSocketHandler. Unlike the teacher's per-user JWT
// gate, subscribers here authenticate with the same admin bearer token
// (validated by the caller's middleware) and select a shadow key filter via
// a query parameter instead of a device ID.
type Handler struct {
	bus      *Bus
	upgrader ws.Upgrader
	logger   *log.Logger
}

func NewHandler(bus *Bus, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		bus: bus,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key") // "thing" or "thing/name"; empty subscribes to all

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("localbus: upgrade failed: %v", err)
		return
	}

	client := NewClient(uuid.NewString(), key, conn, h.bus)
	h.bus.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
