package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const memQueueSize = 1024

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// Hub is an in-process store shared by every Memory backend created from it,
// so several instances in one process behave like a cluster.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*memSub]struct{}
	kv   map[string]kvEntry
	down atomic.Bool
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*memSub]struct{}),
		kv:   make(map[string]kvEntry),
		now:  time.Now,
	}
}

// SetDown simulates an outage: every call fails with ErrUnreachable while down.
// Subscriptions survive but receive nothing published during the outage.
func (h *Hub) SetDown(down bool) {
	h.down.Store(down)
}

func (h *Hub) Backend() *Memory {
	return &Memory{hub: h}
}

type memSub struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Memory is one instance's view of a Hub.
type Memory struct {
	hub    *Hub
	closed atomic.Bool

	mu   sync.Mutex
	subs []*memSub
}

func (m *Memory) check() error {
	if m.closed.Load() || m.hub.down.Load() {
		return ErrUnreachable
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)

	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	for s := range m.hub.subs[channel] {
		select {
		case s.queue <- msg:
		default:
			log.Warn().Str("module", "bridge.memory").Str("channel", channel).Msg("subscriber queue full, message dropped")
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, h core.Handler) (func(), error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	s := &memSub{queue: make(chan []byte, memQueueSize), done: make(chan struct{})}

	m.hub.mu.Lock()
	set, ok := m.hub.subs[channel]
	if !ok {
		set = make(map[*memSub]struct{})
		m.hub.subs[channel] = set
	}
	set[s] = struct{}{}
	m.hub.mu.Unlock()

	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.queue:
				h(ctx, msg)
			}
		}
	}()

	return func() {
		m.hub.mu.Lock()
		delete(m.hub.subs[channel], s)
		m.hub.mu.Unlock()
		s.stop()
	}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	e, ok := m.hub.kv[key]
	if !ok || (!e.expiresAt.IsZero() && !m.hub.now().Before(e.expiresAt)) {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	e := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.hub.now().Add(ttl)
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.kv[key] = e
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return m.check()
}

// Close detaches every subscription made through this backend.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	m.hub.mu.Lock()
	for _, s := range subs {
		for _, set := range m.hub.subs {
			delete(set, s)
		}
	}
	m.hub.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return nil
}
