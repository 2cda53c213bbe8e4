package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64
	PingInterval  time.Duration
	// CallTimeout bounds each backend call made without a deadline.
	CallTimeout time.Duration
}

type subscription struct {
	channel string
	h       core.Handler
	cancel  func()
}

// Resilient implements core.Bridge over a Backend. A failing call or ping
// switches it to degraded mode, where calls fail fast with
// domain.ErrBridgeUnavailable until a reconnect loop sees the store again.
// ErrRejected is returned to the caller without degrading.
type Resilient struct {
	backend Backend
	opts    Options

	degraded atomic.Bool

	mu      sync.Mutex
	subs    []*subscription
	recover []func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResilient(backend Backend, opts Options) *Resilient {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resilient{backend: backend, opts: opts, ctx: ctx, cancel: cancel}
}

// Start runs the health ping loop until Close.
func (r *Resilient) Start() {
	if r.opts.PingInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if r.degraded.Load() {
					continue
				}
				if err := r.ping(r.ctx); err != nil {
					r.markDegraded(err)
				}
			}
		}
	}()
}

func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

func (r *Resilient) OnRecover(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recover = append(r.recover, fn)
}

func (r *Resilient) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.call(ctx, "publish "+channel, func(ctx context.Context) error {
		return r.backend.Publish(ctx, channel, payload)
	})
}

// Subscribe remembers the handler even when the store is down, and attaches
// it again on every recovery.
func (r *Resilient) Subscribe(ctx context.Context, channel string, h core.Handler) error {
	sub := &subscription{channel: channel, h: h}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	if r.degraded.Load() {
		return fmt.Errorf("subscribe %s: %w", channel, domain.ErrBridgeUnavailable)
	}
	cancel, err := r.backend.Subscribe(ctx, channel, h)
	if err != nil {
		r.markDegraded(err)
		return fmt.Errorf("subscribe %s: %w: %v", channel, domain.ErrBridgeUnavailable, err)
	}
	r.mu.Lock()
	sub.cancel = cancel
	r.mu.Unlock()
	return nil
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.call(ctx, "get "+key, func(ctx context.Context) error {
		b, err := r.backend.Get(ctx, key)
		out = b
		return err
	})
	return out, err
}

func (r *Resilient) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.call(ctx, "set "+key, func(ctx context.Context) error {
		return r.backend.SetWithTTL(ctx, key, value, ttl)
	})
}

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.degraded.Load() {
		return fmt.Errorf("%s: %w", op, domain.ErrBridgeUnavailable)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrRejected):
		log.Warn().Err(err).Str("module", "bridge").Str("op", op).Msg("request rejected")
		return fmt.Errorf("%s: %w", op, err)
	}
	r.markDegraded(err)
	return fmt.Errorf("%s: %w: %v", op, domain.ErrBridgeUnavailable, err)
}

func (r *Resilient) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	return r.backend.Ping(ctx)
}

func (r *Resilient) markDegraded(cause error) {
	if !r.degraded.CompareAndSwap(false, true) {
		return
	}
	log.WithLevel(zerolog.FatalLevel).Err(cause).Str("module", "bridge").
		Msg("shared store unreachable, serving local connections only")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconnect()
	}()
}

func (r *Resilient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BackoffBase
	b.MaxInterval = r.opts.BackoffCap
	b.RandomizationFactor = r.opts.BackoffJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, r.ctx)
}

func (r *Resilient) reconnect() {
	b := r.newBackOff()
	attempt := 0
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		attempt++
		if err := r.ping(r.ctx); err != nil {
			log.Debug().Err(err).Str("module", "bridge").Int("attempt", attempt).Dur("wait", wait).Msg("store still unreachable")
			continue
		}
		if err := r.resubscribe(); err != nil {
			log.Warn().Err(err).Str("module", "bridge").Int("attempt", attempt).Msg("resubscribe failed")
			continue
		}
		break
	}

	r.degraded.Store(false)
	log.Info().Str("module", "bridge").Int("attempts", attempt).Msg("shared store reachable again")

	r.mu.Lock()
	fns := append([]func(context.Context){}, r.recover...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(r.ctx)
	}
}

func (r *Resilient) resubscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		cancel, err := r.backend.Subscribe(r.ctx, s.channel, s.h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.channel, err)
		}
		s.cancel = cancel
	}
	return nil
}

// Close stops background loops, detaches subscriptions and closes the backend.
func (r *Resilient) Close() error {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	for _, s := range r.subs {
		if s.cancel != nil {
			s.cancel()
		}
	}
	r.subs = nil
	r.mu.Unlock()
	return r.backend.Close()
}
