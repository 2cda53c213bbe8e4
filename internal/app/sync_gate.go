package app

import (
	"sync"

	"github.com/dkeye/Pulse/internal/domain"
)

type syncStream int

const (
	streamPresence syncStream = iota
	streamRooms
	streamCount
)

// cursor tracks one peer stream. base is the version of the last applied
// snapshot, applied the highest delta version seen since.
type cursor struct {
	base    uint64
	applied uint64
}

type peerCursors struct {
	epoch   int64
	streams [streamCount]cursor
}

// syncGate orders each peer's deltas against its snapshots. A snapshot
// includes every change up to its version, so deltas at or below it are
// skipped, and a snapshot older than an applied delta is discarded; the
// next sweep supersedes it.
type syncGate struct {
	mu    sync.Mutex
	peers map[domain.InstanceID]*peerCursors
}

func newSyncGate() *syncGate {
	return &syncGate{peers: make(map[domain.InstanceID]*peerCursors)}
}

// observe records the epoch a peer is running under. It reports true when a
// known peer comes back under a new epoch, meaning its counters restarted.
func (g *syncGate) observe(peer domain.InstanceID, epoch int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[peer]
	if !ok {
		g.peers[peer] = &peerCursors{epoch: epoch}
		return false
	}
	if p.epoch == epoch {
		return false
	}
	*p = peerCursors{epoch: epoch}
	return true
}

func (g *syncGate) cursor(peer domain.InstanceID, s syncStream) *cursor {
	p, ok := g.peers[peer]
	if !ok {
		p = &peerCursors{}
		g.peers[peer] = p
	}
	return &p.streams[s]
}

// delta reports whether a delta stamped with version should be applied.
func (g *syncGate) delta(peer domain.InstanceID, s syncStream, version uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.cursor(peer, s)
	if version <= c.base {
		return false
	}
	c.applied = max(c.applied, version)
	return true
}

// snapshot reports whether a snapshot taken at version should be applied.
func (g *syncGate) snapshot(peer domain.InstanceID, s syncStream, version uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.cursor(peer, s)
	if version < c.applied || version < c.base {
		return false
	}
	c.base, c.applied = version, version
	return true
}

func (g *syncGate) forget(peer domain.InstanceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, peer)
}
