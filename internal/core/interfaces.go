package core

import (
	"context"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

// Handler consumes one bridge message. Handlers for a channel run sequentially.
type Handler func(ctx context.Context, payload []byte)

// Bridge is the only path to the shared cluster store.
// Pub/sub is best effort, at most once per hop.
type Bridge interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	// Get returns domain.ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Degraded reports whether the store is currently unreachable.
	Degraded() bool
	// OnRecover registers fn to run after the store becomes reachable again.
	OnRecover(fn func(ctx context.Context))
}

// Authorizer is owned by the domain layer (forum permissions, admin ACLs).
type Authorizer interface {
	AuthorizeRoomJoin(ctx context.Context, user domain.UserID, room domain.RoomID) (bool, error)
}

// IdentityResolver is owned by the auth/session system.
// It returns an error wrapping domain.ErrAuthentication for bad tokens.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (domain.UserID, error)
}
