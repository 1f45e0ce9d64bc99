// Package ws is a deliberately shallow reference adapter showing how a
// per-client WebSocket handler plugs into the CVR's notification path. The
// real client-facing sync protocol (handshake, framing, backfill pacing) is
// out of scope (spec §1); this package only proves out the wiring: a
// connection registry that implements internal/realtime.EventSubscriber and
// forwards the JSON-encoded events it receives from the bus to one
// gorilla/websocket connection, filtered to the one client group that
// connection cares about.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sourcetable/cvrsync/internal/realtime"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered dead, matching the teacher's keep-alive
// discipline for long-lived streaming connections.
const writeWait = 10 * time.Second

// Connection adapts one WebSocket socket to realtime.EventSubscriber,
// scoped to a single client group. cmd/server registers one Connection per
// accepted upgrade and subscribes it to the shared event bus.
type Connection struct {
	id            string
	clientGroupID string
	conn          *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps an already-upgraded *websocket.Conn. clientGroupID
// scopes which events this connection receives; every other client
// group's traffic on the shared bus is ignored.
func NewConnection(conn *websocket.Conn, clientGroupID string, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:            uuid.New().String(),
		clientGroupID: clientGroupID,
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With("component", "ws_connection", "client_group_id", clientGroupID),
	}
}

// ID implements realtime.EventSubscriber.
func (c *Connection) ID() string { return c.id }

// Context implements realtime.EventSubscriber.
func (c *Connection) Context() context.Context { return c.ctx }

// Send implements realtime.EventSubscriber. Events for a different client
// group than this connection's are dropped silently rather than returned
// as an error, since the bus fans every event out to every subscriber and
// per-group filtering is this adapter's job, not the bus's.
func (c *Connection) Send(event realtime.Event) error {
	if groupID, ok := event.Data["client_group_id"].(string); ok && groupID != c.clientGroupID {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close implements realtime.EventSubscriber.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return c.conn.Close()
}

// compile-time assertion that Connection satisfies realtime.EventSubscriber.
var _ realtime.EventSubscriber = (*Connection)(nil)
