package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sourcetable/cvrsync/internal/realtime"
)

// upgrader mirrors the teacher's permissive dev-profile CORS stance for
// the admin/debug surface; a production deployment in front of a real
// client population would narrow CheckOrigin, which is why this package
// stays a reference adapter rather than the shipped client protocol.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming requests to WebSocket connections and
// registers them on the shared event bus, scoped to the clientGroupID path
// parameter the caller resolves.
type Handler struct {
	bus    realtime.EventBus
	logger *slog.Logger
}

// NewHandler constructs a Handler bound to the shared event bus every
// Store/updater pair already publishes patches onto via
// realtime.EventPublisher.
func NewHandler(bus realtime.EventBus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, logger: logger.With("component", "ws_handler")}
}

// Serve upgrades r and registers the resulting connection for
// clientGroupID until the socket closes or the bus shuts down.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, clientGroupID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "client_group_id", clientGroupID)
		return
	}

	sub := NewConnection(conn, clientGroupID, h.logger)
	if err := h.bus.Subscribe(sub); err != nil {
		h.logger.Warn("failed to subscribe websocket connection", "error", err, "client_group_id", clientGroupID)
		sub.Close()
		return
	}

	go h.drain(sub)
}

// drain discards inbound frames (this adapter is notify-only; client
// requests ride the out-of-scope sync protocol) until the connection
// closes, then unsubscribes it from the bus.
func (h *Handler) drain(sub *Connection) {
	defer func() {
		h.bus.Unsubscribe(sub)
		sub.Close()
	}()

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
