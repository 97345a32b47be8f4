package events

import (
	"encoding/json"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventSyncCompleted, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventSyncCompleted, SyncPayload{Collection: "assignments", Full: true})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventSyncCompleted {
		t.Errorf("expected type %s, got %s", EventSyncCompleted, received.Type)
	}

	var decoded SyncPayload
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.Collection != "assignments" || !decoded.Full {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe(EventQueueDrained, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventQueueDrained, func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: EventQueueDrained})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both subscribers called once, got %d and %d", count1, count2)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Publishing with no subscribers must not panic.
	bus.Publish(&Event{Type: EventRateLimited})
}

func TestNilBusPublishJSON(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON(EventLevelUp, nil); err != nil {
		t.Fatalf("nil bus should be a no-op, got %v", err)
	}
}
