package core

import (
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

type originWindow struct {
	seen   map[uint64]time.Time
	last   time.Time
	pruned time.Time
}

// Deduper suppresses relayed envelopes already seen from an origin within a
// sliding window. Sequence numbers are shared by every room and user of an
// origin, so they may arrive in any order and only exact repeats are dropped.
type Deduper struct {
	mu      sync.Mutex
	window  time.Duration
	origins map[domain.InstanceID]*originWindow
	now     func() time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window:  window,
		origins: make(map[domain.InstanceID]*originWindow),
		now:     time.Now,
	}
}

// Accept reports whether (origin, seq) should be delivered, recording it if so.
func (d *Deduper) Accept(origin domain.InstanceID, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	ow, ok := d.origins[origin]
	if !ok || now.Sub(ow.last) > d.window {
		ow = &originWindow{seen: make(map[uint64]time.Time), pruned: now}
		d.origins[origin] = ow
	}
	if now.Sub(ow.pruned) > d.window/10 {
		for s, at := range ow.seen {
			if now.Sub(at) > d.window {
				delete(ow.seen, s)
			}
		}
		ow.pruned = now
	}

	if _, dup := ow.seen[seq]; dup {
		return false
	}
	ow.seen[seq] = now
	ow.last = now
	return true
}

// Prune forgets origins idle for longer than the window.
func (d *Deduper) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for origin, ow := range d.origins {
		if now.Sub(ow.last) > d.window {
			delete(d.origins, origin)
		}
	}
}

func (d *Deduper) Origins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.origins)
}
