package realtime

import (
	"encoding/json"
	"fmt"

	"parley/thread"
)

// Push-channel payloads arrive as loosely shaped JSON. They are validated
// here, at the boundary, and converted into one of a closed set of event
// types before touching any domain state.

type EventType string

const (
	EventThreadCreated   EventType = "thread.created"
	EventThreadUpdated   EventType = "thread.updated"
	EventMessageReceived EventType = "message.received"
)

// Event is the tagged union of known push events.
type Event interface {
	Type() EventType
}

// ThreadCreated announces that a thread now exists as a durable row.
type ThreadCreated struct {
	Thread thread.Thread `json:"thread"`
}

func (ThreadCreated) Type() EventType { return EventThreadCreated }

// ThreadUpdated carries refreshed thread metadata (category, status, state).
type ThreadUpdated struct {
	Thread thread.Thread `json:"thread"`
}

func (ThreadUpdated) Type() EventType { return EventThreadUpdated }

// MessageReceived carries the full authoritative conversation list for a
// thread. Delivery is at-least-once and not guaranteed ordered.
type MessageReceived struct {
	ThreadIdentifier string           `json:"threadIdentifier"`
	Conversations    []thread.Message `json:"conversations"`
}

func (MessageReceived) Type() EventType { return EventMessageReceived }

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent parses a raw push payload into a typed event. Unknown event
// types and malformed payloads are rejected; callers drop them.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	switch env.Type {
	case EventThreadCreated:
		var ev ThreadCreated
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.Thread.Identifier == "" {
			return nil, fmt.Errorf("%s: missing thread identifier", env.Type)
		}
		return ev, nil
	case EventThreadUpdated:
		var ev ThreadUpdated
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.Thread.Identifier == "" {
			return nil, fmt.Errorf("%s: missing thread identifier", env.Type)
		}
		return ev, nil
	case EventMessageReceived:
		var ev MessageReceived
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.ThreadIdentifier == "" {
			return nil, fmt.Errorf("%s: missing thread identifier", env.Type)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EncodeEvent wraps a typed event back into the wire envelope. Used by the
// server side when publishing.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Data: data})
}
