// Package telemetry implements the per-cycle event bus that telemetry
// emission hooks publish to, and that the control plane's streaming
// endpoint and any external subscriber read from.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject names used by the scheduler and control plane when publishing
// cycle telemetry. Subscribers may also use NATS-style wildcards
// ("cycle.*", "cycle.>") against MemoryEventBus or NATSEventBus alike.
const (
	SubjectCycleStarted   = "cycle.started"
	SubjectCycleCompleted = "cycle.completed"
	SubjectDriverSnapshot = "cycle.driver_snapshot"
)

// Event is one telemetry message: a per-cycle or per-driver-snapshot
// observation carrying cycle_id, driver_name, status, duration_ms, and
// samples_emitted fields.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an Event with a fresh ID and the current UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewDriverSnapshotEvent builds the standard per-driver-snapshot payload,
// ready to publish on SubjectDriverSnapshot.
func NewDriverSnapshotEvent(source, cycleID, driverName, status string, durationMS int64, samplesEmitted int) *Event {
	return NewEvent(SubjectDriverSnapshot, source, map[string]interface{}{
		"cycle_id":        cycleID,
		"driver_name":     driverName,
		"status":          status,
		"duration_ms":     durationMS,
		"samples_emitted": samplesEmitted,
	})
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe abstraction telemetry producers and
// consumers share, independent of backend (in-memory or NATS). Delivery is
// fire-and-forget broadcast: every subscriber whose subject pattern matches
// receives every published event.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
