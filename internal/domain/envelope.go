package domain

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventPostUpdate     EventType = "post-update"
	EventTyping         EventType = "typing"
	EventPresenceChange EventType = "presence-change"
	EventServerStatus   EventType = "server-status"
	EventCustom         EventType = "custom"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPostUpdate, EventTyping, EventPresenceChange, EventServerStatus, EventCustom:
		return true
	}
	return false
}

// ParseEventType accepts the wire names plus their snake_case spelling.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "post_update":
		return EventPostUpdate, nil
	case "presence_change":
		return EventPresenceChange, nil
	case "server_status":
		return EventServerStatus, nil
	}
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Envelope is the unit fanned out to connections and relayed to peers.
// It is never persisted.
type Envelope struct {
	Type    EventType       `json:"type"`
	Room    RoomID          `json:"room_id,omitempty"`
	User    UserID          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  InstanceID      `json:"origin"`
	Seq     uint64          `json:"seq"`
	SentAt  int64           `json:"sent_at"`

	// skip is the local sender connection, excluded from local delivery.
	skip ConnID
}

// Skipping returns a copy that will not be delivered to conn on this instance.
func (e Envelope) Skipping(conn ConnID) Envelope {
	e.skip = conn
	return e
}

func (e Envelope) Skip() ConnID { return e.skip }
