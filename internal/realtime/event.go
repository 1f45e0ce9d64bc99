// Package realtime broadcasts CVR patch and ownership notifications to
// subscribers fronting a client transport (WebSocket, SSE, etc.).
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a real-time event broadcast to subscribers.
type Event struct {
	// Type is the event type (row_patch, config_patch, rehome, etc.)
	Type string `json:"type"`

	// ID is a unique event ID (UUID)
	ID string `json:"id"`

	// Data is the event payload (varies by event type)
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Source is the event source (query_updater, config_updater, ownership, etc.)
	Source string `json:"source"`

	// Sequence is a sequence number for event ordering (monotonically increasing)
	Sequence int64 `json:"sequence"`
}

// EventType constants for CVR notification events.
const (
	// EventTypeRowPatch carries a batch of row patches for a client group.
	EventTypeRowPatch = "row_patch"

	// EventTypeConfigPatch carries a batch of config patches (client/query/
	// desire mutations) for a client group.
	EventTypeConfigPatch = "config_patch"

	// EventTypeRehome signals that write ownership of a client group moved
	// to another task; subscribers must reconnect against the new owner.
	EventTypeRehome = "rehome"

	// EventTypeHealthChanged reports a change in a dependency's health.
	EventTypeHealthChanged = "health_changed"

	// EventTypeSystemNotification is an operator-facing notice unrelated
	// to any single client group.
	EventTypeSystemNotification = "system_notification"
)

// EventSource constants.
const (
	EventSourceQueryUpdater  = "query_updater"
	EventSourceConfigUpdater = "config_updater"
	EventSourceOwnership     = "ownership"
	EventSourceHealthMonitor = "health_monitor"
	EventSourceSystem        = "system"
)

// NewEvent creates a new Event with the given type, data, and source.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        generateEventID(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Sequence:  0, // Will be set by EventBus
	}
}

// generateEventID generates a unique event ID (UUID).
func generateEventID() string {
	return uuid.New().String()
}
