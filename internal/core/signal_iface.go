package core

import (
	"context"

	"github.com/dkeye/Pulse/internal/domain"
)

// Frame is a raw payload written to a client.
type Frame []byte

// Transport abstracts a client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type Transport interface {
	ID() domain.ConnID
	// Send enqueues f for writing. It blocks at most until ctx is done and then
	// fails with domain.ErrSendTimeout; it fails with domain.ErrConnectionClosed
	// once the transport is closed.
	Send(ctx context.Context, f Frame) error
	// Close tears the transport down, telling the client the reason code.
	Close(code string)
}
