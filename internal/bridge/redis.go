package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis carries pub/sub over redis channels and keys as plain strings with EX.
type Redis struct {
	client *redis.Client
}

// NewRedis connects lazily; the first failing call or ping reports unreachability.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return redisRejected(r.client.Publish(ctx, channel, payload).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string, h core.Handler) (func(), error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so messages published after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					log.Debug().Str("module", "bridge.redis").Str("channel", channel).Msg("subscription channel closed")
					return
				}
				h(subCtx, []byte(m.Payload))
			}
		}
	}()

	return func() {
		cancel()
		_ = ps.Close()
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	return b, redisRejected(err)
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return redisRejected(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// redisRejected wraps error replies from the server, such as WRONGTYPE.
func redisRejected(err error) error {
	var reply redis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}
