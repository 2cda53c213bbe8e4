package domain

import "encoding/json"

// Client frame types.
const (
	FrameAuth        = "auth"
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameHeartbeat   = "heartbeat"
	FrameDomainEvent = "domain_event"
	FrameLogout      = "logout"
)

// ClientFrame is what a client sends: {type, room_id?, user_id?, payload}.
type ClientFrame struct {
	Type    string          `json:"type"`
	Room    RoomID          `json:"room_id,omitempty"`
	User    UserID          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

// DomainEventPayload is the payload of a client domain_event frame.
type DomainEventPayload struct {
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Server control reply types.
const (
	ReplyAuthenticated = "authenticated"
	ReplyJoined        = "joined"
	ReplyLeft          = "left"
	ReplyPong          = "pong"
	ReplyError         = "error"
	ReplyClosing       = "closing"
)

// Reason codes sent to clients on errors and disconnects.
const (
	CodeBadFrame        = "bad_frame"
	CodeUnauthenticated = "unauthenticated"
	CodeAlreadyAuthed   = "already_authenticated"
	CodeForbidden       = "forbidden"
	CodeNotMember       = "not_member"
	CodeRateLimited     = "rate_limited"
	CodeIdleTimeout     = "idle_timeout"
	CodeSlowConsumer    = "slow_consumer"
	CodeLogout          = "logout"
	CodeShutdown        = "shutdown"
	CodeInternal        = "internal"
)

// Reply is a control message addressed to a single connection.
type Reply struct {
	Type        string   `json:"type"`
	Room        RoomID   `json:"room_id,omitempty"`
	User        UserID   `json:"user_id,omitempty"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message,omitempty"`
	Members     []UserID `json:"members,omitempty"`
	OnlineUsers *int     `json:"online_users,omitempty"`
}
