package bridge

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handle(_ context.Context, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, string(payload))
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

// backendCase builds two backends on one store and a way to move the store's clock.
type backendCase struct {
	name string
	open func(t *testing.T) (a, b Backend, advance func(time.Duration))
}

func backendCases() []backendCase {
	return []backendCase{
		{
			name: "memory",
			open: func(t *testing.T) (Backend, Backend, func(time.Duration)) {
				hub := NewHub()
				var (
					mu  sync.Mutex
					now = time.Now()
				)
				hub.now = func() time.Time {
					mu.Lock()
					defer mu.Unlock()
					return now
				}
				advance := func(d time.Duration) {
					mu.Lock()
					defer mu.Unlock()
					now = now.Add(d)
				}
				return hub.Backend(), hub.Backend(), advance
			},
		},
		{
			name: "redis",
			open: func(t *testing.T) (Backend, Backend, func(time.Duration)) {
				mr := miniredis.RunT(t)
				a, err := NewRedis("redis://" + mr.Addr())
				require.NoError(t, err)
				b := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
				t.Cleanup(func() {
					_ = a.Close()
					_ = b.Close()
				})
				return a, b, mr.FastForward
			},
		},
	}
}

func TestBackend_PublishSubscribe(t *testing.T) {
	for _, tc := range backendCases() {
		t.Run(tc.name, func(t *testing.T) {
			a, b, _ := tc.open(t)
			ctx := context.Background()

			var got inbox
			cancel, err := b.Subscribe(ctx, "pulse.test", got.handle)
			require.NoError(t, err)

			for _, m := range []string{"one", "two", "three"} {
				require.NoError(t, a.Publish(ctx, "pulse.test", []byte(m)))
			}
			require.NoError(t, a.Publish(ctx, "pulse.other", []byte("nope")))

			assert.Eventually(t, func() bool { return len(got.get()) == 3 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{"one", "two", "three"}, got.get(), "order is kept per channel")

			cancel()
			require.NoError(t, a.Publish(ctx, "pulse.test", []byte("late")))
			time.Sleep(50 * time.Millisecond)
			assert.Len(t, got.get(), 3)
		})
	}
}

func TestBackend_KeysExpire(t *testing.T) {
	for _, tc := range backendCases() {
		t.Run(tc.name, func(t *testing.T) {
			a, b, advance := tc.open(t)
			ctx := context.Background()

			_, err := b.Get(ctx, "pulse.lastseen.alice")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, a.SetWithTTL(ctx, "pulse.lastseen.alice", []byte("now"), time.Minute))
			v, err := b.Get(ctx, "pulse.lastseen.alice")
			require.NoError(t, err)
			assert.Equal(t, "now", string(v))

			advance(2 * time.Minute)
			_, err = b.Get(ctx, "pulse.lastseen.alice")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestBackend_Ping(t *testing.T) {
	for _, tc := range backendCases() {
		t.Run(tc.name, func(t *testing.T) {
			a, _, _ := tc.open(t)
			assert.NoError(t, a.Ping(context.Background()))
		})
	}
}

func TestMemory_DownHubRefusesCalls(t *testing.T) {
	hub := NewHub()
	m := hub.Backend()
	ctx := context.Background()

	hub.SetDown(true)
	assert.ErrorIs(t, m.Ping(ctx), ErrUnreachable)
	assert.ErrorIs(t, m.Publish(ctx, "c", nil), ErrUnreachable)
	_, err := m.Subscribe(ctx, "c", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrUnreachable)

	hub.SetDown(false)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_CloseDetachesSubscriptions(t *testing.T) {
	hub := NewHub()
	pub, sub := hub.Backend(), hub.Backend()
	ctx := context.Background()

	var got inbox
	_, err := sub.Subscribe(ctx, "c", got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, pub.Publish(ctx, "c", []byte("x")))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, got.get())
	assert.ErrorIs(t, sub.Ping(ctx), ErrUnreachable)
}

func TestRedis_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, r.Ping(ctx))
}

func TestNATSKey(t *testing.T) {
	// same rule the key-value client applies before every Get and Put
	valid := regexp.MustCompile(`^[-/_=a-zA-Z0-9][-/_=\.a-zA-Z0-9]*[-/_=a-zA-Z0-9]$|^[-/_=a-zA-Z0-9]$`)
	keys := []string{
		"pulse.lastseen.alice",
		"pulse.lastseen.bob.",
		"pulse.lastseen..",
		"pulse.lastseen.a b:c",
		"pulse.instance.i-1",
		"pulse.lastseen.élodie",
	}
	seen := make(map[string]string)
	for _, k := range keys {
		got := natsKey(k)
		assert.Regexp(t, valid, got, "key %q", k)
		if prev, dup := seen[got]; dup {
			t.Fatalf("%q and %q map to the same key", prev, k)
		}
		seen[got] = k
	}
	assert.NotEqual(t, natsKey("pulse.lastseen.a_b"), natsKey("pulse.lastseen.a b"))
}

func TestRedis_ErrorReplyIsRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = mr.Lpush("pulse.lastseen.alice", "not a string")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "pulse.lastseen.alice")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestExpiringCodec(t *testing.T) {
	at := time.Unix(1700000000, 42)
	v, exp, ok := decodeExpiring(encodeExpiring([]byte("hello"), at))
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
	assert.True(t, at.Equal(exp))

	v, exp, ok = decodeExpiring(encodeExpiring([]byte("forever"), time.Time{}))
	require.True(t, ok)
	assert.Equal(t, "forever", string(v))
	assert.True(t, exp.IsZero())

	_, _, ok = decodeExpiring([]byte{1, 2})
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	_, err := Open(config.BridgeConfig{Driver: "bogus"}, time.Hour, nil)
	assert.Error(t, err)

	b, err := Open(config.BridgeConfig{}, time.Hour, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)
}
