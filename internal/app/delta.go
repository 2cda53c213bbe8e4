package app

import "github.com/dkeye/Pulse/internal/domain"

// PresenceDelta is a signed change of one instance's connection count for a user.
// Version orders local changes against snapshots; it is zero for remote ones.
type PresenceDelta struct {
	Instance domain.InstanceID
	User     domain.UserID
	Delta    int
	At       int64
	Version  uint64
}

// TypingDelta sets (Until > 0) or clears (Until == 0) a typing flag.
type TypingDelta struct {
	Instance domain.InstanceID
	User     domain.UserID
	Room     domain.RoomID
	Until    int64
}

type RoomDelta struct {
	Instance domain.InstanceID
	Room     domain.RoomID
	Conn     domain.ConnID
	User     domain.UserID
	Joined   bool
	Version  uint64
}

// DeltaSink receives every local state change for propagation to peers.
// Implementations must not block.
type DeltaSink interface {
	EmitPresence(d PresenceDelta)
	EmitTyping(d TypingDelta)
	EmitMembership(d RoomDelta)
}

type nopSink struct{}

func (nopSink) EmitPresence(PresenceDelta) {}
func (nopSink) EmitTyping(TypingDelta)     {}
func (nopSink) EmitMembership(RoomDelta)   {}
