// Package bridge connects instances through a shared pub/sub and key-value store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
)

// ErrUnreachable is returned by a backend that cannot reach its store.
var ErrUnreachable = errors.New("store unreachable")

// ErrRejected is returned when the store refused a single request, such as a
// malformed key. It says nothing about the store's health.
var ErrRejected = errors.New("request rejected by store")

// Backend is a raw store driver. Resilient adds degraded-mode handling on top.
type Backend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages to h sequentially until the returned cancel is called.
	Subscribe(ctx context.Context, channel string, h core.Handler) (cancel func(), err error)
	// Get returns domain.ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Driver. hub backs the memory driver
// and may be nil, in which case a private hub is created.
func Open(cfg config.BridgeConfig, maxTTL time.Duration, hub *Hub) (Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		if hub == nil {
			hub = NewHub()
		}
		return hub.Backend(), nil
	case config.DriverRedis:
		return NewRedis(cfg.URL)
	case config.DriverNATS:
		return NewNATS(cfg.URL, cfg.Bucket, maxTTL)
	}
	return nil, fmt.Errorf("unknown bridge driver %q", cfg.Driver)
}
