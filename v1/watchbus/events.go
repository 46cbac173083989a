package watchbus

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names a lock lifecycle transition.
type EventType string

const (
	EventAcquired  EventType = "acquired"
	EventReentered EventType = "reentered"
	EventReleased  EventType = "released"
	EventRenewed   EventType = "renewed"
	EventLost      EventType = "lost"
)

// Event is the payload published for every lock lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token,omitempty"`
	HoldCount int       `json:"hold_count"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Time      time.Time `json:"time"`
}

// PublishEvent encodes ev and publishes it on bus under ev.Key.
func PublishEvent(ctx context.Context, bus WatchBus, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, ev.Key, data)
}

// DecodeEvent parses a payload produced by PublishEvent.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
