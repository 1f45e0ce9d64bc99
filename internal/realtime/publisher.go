package realtime

import (
	"log/slog"

	"github.com/sourcetable/cvrsync/internal/cvr"
)

// EventPublisher adapts the cvr.Notifier interface onto the event bus: it
// is the concrete transport-facing implementation that cmd/server wires
// into each Store/updater pair, turning row and config patches into
// Events that subscribers (WebSocket/SSE handlers) receive via Subscribe.
type EventPublisher struct {
	eventBus *DefaultEventBus
	logger   *slog.Logger
	metrics  *RealtimeMetrics
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(eventBus *DefaultEventBus, logger *slog.Logger, metrics *RealtimeMetrics) *EventPublisher {
	return &EventPublisher{
		eventBus: eventBus,
		logger:   logger.With("component", "event_publisher"),
		metrics:  metrics,
	}
}

// NotifyRowPatches implements cvr.Notifier.
func (p *EventPublisher) NotifyRowPatches(clientGroupID string, patches []cvr.RowPatch) error {
	if p.eventBus == nil || len(patches) == 0 {
		return nil
	}

	encoded := make([]map[string]interface{}, len(patches))
	for i, patch := range patches {
		encoded[i] = map[string]interface{}{
			"op":         patch.Op,
			"row_id":     patch.RowID,
			"to_version": patch.ToVersion.String(),
		}
		if patch.Row != nil {
			encoded[i]["row"] = patch.Row
		}
	}

	data := map[string]interface{}{
		"client_group_id": clientGroupID,
		"patches":         encoded,
	}

	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(EventTypeRowPatch, EventSourceQueryUpdater).Inc()
	}

	event := NewEvent(EventTypeRowPatch, data, EventSourceQueryUpdater)
	return p.eventBus.Publish(*event)
}

// NotifyConfigPatches implements cvr.Notifier.
func (p *EventPublisher) NotifyConfigPatches(clientGroupID string, patches []cvr.ConfigPatch) error {
	if p.eventBus == nil || len(patches) == 0 {
		return nil
	}

	encoded := make([]map[string]interface{}, len(patches))
	for i, patch := range patches {
		encoded[i] = map[string]interface{}{
			"kind":       patch.Kind,
			"op":         patch.Op,
			"client_id":  patch.ClientID,
			"query_hash": patch.QueryHash,
			"to_version": patch.ToVersion.String(),
		}
	}

	data := map[string]interface{}{
		"client_group_id": clientGroupID,
		"patches":         encoded,
	}

	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(EventTypeConfigPatch, EventSourceConfigUpdater).Inc()
	}

	event := NewEvent(EventTypeConfigPatch, data, EventSourceConfigUpdater)
	return p.eventBus.Publish(*event)
}

// NotifyRehome implements cvr.Notifier: it tells any subscriber currently
// holding a connection for clientGroupID that this task no longer owns
// the write lease and the client must reconnect.
func (p *EventPublisher) NotifyRehome(clientGroupID string) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"client_group_id": clientGroupID,
	}

	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(EventTypeRehome, EventSourceOwnership).Inc()
	}

	event := NewEvent(EventTypeRehome, data, EventSourceOwnership)
	return p.eventBus.Publish(*event)
}

// PublishHealthEvent publishes a health change event.
func (p *EventPublisher) PublishHealthEvent(component string, status string, latency float64, message string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"component":  component,
		"status":     status,
		"latency_ms": latency,
	}

	if message != "" {
		data["message"] = message
	}

	event := NewEvent(EventTypeHealthChanged, data, EventSourceHealthMonitor)
	return p.eventBus.Publish(*event)
}

// PublishSystemNotification publishes a system notification event.
func (p *EventPublisher) PublishSystemNotification(level string, message string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"level":   level, // info, warning, error
		"message": message,
	}

	event := NewEvent(EventTypeSystemNotification, data, EventSourceSystem)
	return p.eventBus.Publish(*event)
}

// compile-time assertion that EventPublisher satisfies cvr.Notifier.
var _ cvr.Notifier = (*EventPublisher)(nil)
