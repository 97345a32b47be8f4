package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventRateLimited         = "rate_limited"
	EventSyncCompleted       = "sync_completed"
	EventQueueDrained        = "queue_drained"
	EventSubmissionAbandoned = "submission_abandoned"
	EventLevelUp             = "level_up"
)

// RateLimitPayload announces the server-imposed pause window.
type RateLimitPayload struct {
	ResetAt time.Time `json:"reset_at"`
}

// SyncPayload identifies the collection whose replica was refreshed.
type SyncPayload struct {
	Collection string `json:"collection"`
	Full       bool   `json:"full"`
	Total      int    `json:"total"`
}

// DrainPayload summarizes one completed queue drain.
type DrainPayload struct {
	Submitted int  `json:"submitted"`
	Abandoned int  `json:"abandoned"`
	LevelUp   bool `json:"level_up"`
}

// AbandonPayload carries the discarded submission so the app layer can tell
// the user to redo the action.
type AbandonPayload struct {
	ItemID    int64  `json:"item_id"`
	Kind      string `json:"kind"`
	TargetID  int64  `json:"target_id"`
	LastError string `json:"last_error,omitempty"`
}

// Event represents a lightweight engine event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for engine signals. Background
// triggers (post-drain refreshes, forecast recompute) flow through here so a
// single subscriber owns each follow-up action.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
