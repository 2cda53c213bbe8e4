package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS carries pub/sub over core subjects and keys in a JetStream key-value
// bucket. Bucket TTL is coarse, so each value is prefixed with its own expiry.
type NATS struct {
	nc *nats.Conn
	kv nats.KeyValue
}

func NewNATS(url, bucket string, maxTTL time.Duration) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("pulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "bridge.nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "bridge.nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			TTL:     maxTTL,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("key-value bucket %s: %w", bucket, err)
	}
	return &NATS{nc: nc, kv: kv}, nil
}

func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if !n.nc.IsConnected() {
		return ErrUnreachable
	}
	return rejected(n.nc.Publish(channel, payload))
}

func (n *NATS) Subscribe(_ context.Context, channel string, h core.Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(context.Background())
	// Subscribe delivers one message at a time per subscription.
	sub, err := n.nc.Subscribe(channel, func(m *nats.Msg) {
		h(subCtx, m.Data)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return func() {
		cancel()
		_ = sub.Unsubscribe()
	}, nil
}

func (n *NATS) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, rejected(err)
	}
	value, expiresAt, ok := decodeExpiring(entry.Value())
	if !ok || (!expiresAt.IsZero() && !time.Now().Before(expiresAt)) {
		return nil, domain.ErrNotFound
	}
	return value, nil
}

func (n *NATS) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	_, err := n.kv.Put(natsKey(key), encodeExpiring(value, expiresAt))
	return rejected(err)
}

func (n *NATS) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return ErrUnreachable
	}
	return n.nc.FlushWithContext(ctx)
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

// natsKey encodes key for a key-value bucket. Ids embedded in keys may hold
// any byte, including a trailing dot, so the whole key is base64url encoded.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// rejected marks errors where the server refused one request but is reachable.
func rejected(err error) error {
	switch {
	case errors.Is(err, nats.ErrInvalidKey), errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}

func encodeExpiring(value []byte, expiresAt time.Time) []byte {
	out := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(out, uint64(expiresAt.UnixNano()))
	}
	copy(out[8:], value)
	return out
}

func decodeExpiring(b []byte) ([]byte, time.Time, bool) {
	if len(b) < 8 {
		return nil, time.Time{}, false
	}
	var expiresAt time.Time
	if ns := binary.BigEndian.Uint64(b); ns != 0 {
		expiresAt = time.Unix(0, int64(ns))
	}
	return b[8:], expiresAt, true
}
