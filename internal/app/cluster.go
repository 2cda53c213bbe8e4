package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	ChannelPresence  = "pulse.presence"
	ChannelRooms     = "pulse.rooms"
	ChannelEnvelopes = "pulse.envelopes"

	lastSeenKeyPrefix = "pulse.lastseen."
	instanceKeyPrefix = "pulse.instance."
)

func LastSeenKey(u domain.UserID) string     { return lastSeenKeyPrefix + string(u) }
func InstanceKey(i domain.InstanceID) string { return instanceKeyPrefix + string(i) }

type syncKind string

const (
	kindHello            syncKind = "hello"
	kindPresence         syncKind = "presence_delta"
	kindTyping           syncKind = "typing"
	kindRoom             syncKind = "room_delta"
	kindPresenceSnapshot syncKind = "presence_snapshot"
	kindRoomSnapshot     syncKind = "room_snapshot"
)

type syncMessage struct {
	Kind     syncKind          `json:"kind"`
	Instance domain.InstanceID `json:"instance"`
	// Epoch identifies one run of the instance; Version orders its deltas
	// against its snapshots within that run.
	Epoch   int64  `json:"epoch"`
	Version uint64 `json:"version,omitempty"`
	At      int64  `json:"at"`

	User   domain.UserID `json:"user_id,omitempty"`
	Room   domain.RoomID `json:"room_id,omitempty"`
	Conn   domain.ConnID `json:"conn_id,omitempty"`
	Delta  int           `json:"delta,omitempty"`
	Until  int64         `json:"until,omitempty"`
	Joined bool          `json:"joined,omitempty"`

	Counts map[domain.UserID]int                               `json:"counts,omitempty"`
	Rooms  map[domain.RoomID]map[domain.ConnID]domain.UserID `json:"rooms,omitempty"`
}

// outbound is one queued bridge write: a publish, or a key write when key is set.
type outbound struct {
	channel string
	key     string
	ttl     time.Duration
	payload []byte
}

type ClusterOptions struct {
	ReconcileInterval time.Duration
	// PeerTimeout drops a silent peer's contribution.
	PeerTimeout time.Duration
	Retention   time.Duration
	QueueSize   int
}

// Cluster keeps the local registries converged with peers over the bridge:
// it publishes local deltas, applies remote ones, and periodically
// re-publishes authoritative local state.
type Cluster struct {
	instance   domain.InstanceID
	bridge     core.Bridge
	presence   *PresenceTracker
	rooms      *RoomRegistry
	dispatcher *Dispatcher
	opts       ClusterOptions

	epoch int64
	gate  *syncGate
	out   chan outbound
	sweep chan struct{}

	peersMu sync.Mutex
	peers   map[domain.InstanceID]time.Time

	now func() time.Time
}

func NewCluster(instance domain.InstanceID, br core.Bridge, presence *PresenceTracker, rooms *RoomRegistry, dispatcher *Dispatcher, opts ClusterOptions) *Cluster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 3 * opts.ReconcileInterval
	}
	now := time.Now
	return &Cluster{
		instance:   instance,
		epoch:      now().UnixNano(),
		gate:       newSyncGate(),
		bridge:     br,
		presence:   presence,
		rooms:      rooms,
		dispatcher: dispatcher,
		opts:       opts,
		out:        make(chan outbound, opts.QueueSize),
		sweep:      make(chan struct{}, 1),
		peers:      make(map[domain.InstanceID]time.Time),
		now:        now,
	}
}

// Start subscribes to the cluster channels and runs the publish and sweep
// loops until ctx is done. Subscriptions that fail while the bridge is
// degraded are restored by the bridge on recovery.
func (c *Cluster) Start(ctx context.Context) {
	subs := []struct {
		channel string
		h       core.Handler
	}{
		{ChannelPresence, c.handleSync},
		{ChannelRooms, c.handleSync},
		{ChannelEnvelopes, c.handleEnvelope},
	}
	for _, s := range subs {
		if err := c.bridge.Subscribe(ctx, s.channel, s.h); err != nil {
			log.Warn().Err(err).Str("module", "app.cluster").Str("channel", s.channel).Msg("subscribe failed, will retry on recovery")
		}
	}
	c.bridge.OnRecover(func(context.Context) {
		c.hello()
		c.requestSweep()
	})

	go c.publishLoop(ctx)
	go c.sweepLoop(ctx)

	c.hello()
	c.requestSweep()
	log.Info().Str("module", "app.cluster").Str("instance", string(c.instance)).Msg("cluster sync started")
}

func (c *Cluster) EmitPresence(d PresenceDelta) {
	c.enqueueSync(ChannelPresence, syncMessage{Kind: kindPresence, Instance: d.Instance, Version: d.Version, At: d.At, User: d.User, Delta: d.Delta})
	if d.Delta < 0 {
		c.enqueueKey(LastSeenKey(d.User), []byte(time.Unix(0, d.At).UTC().Format(time.RFC3339Nano)), c.opts.Retention)
	}
}

func (c *Cluster) EmitTyping(d TypingDelta) {
	c.enqueueSync(ChannelPresence, syncMessage{Kind: kindTyping, Instance: d.Instance, At: c.now().UnixNano(), User: d.User, Room: d.Room, Until: d.Until})
}

func (c *Cluster) EmitMembership(d RoomDelta) {
	c.enqueueSync(ChannelRooms, syncMessage{Kind: kindRoom, Instance: d.Instance, Version: d.Version, At: c.now().UnixNano(), Room: d.Room, Conn: d.Conn, User: d.User, Joined: d.Joined})
}

func (c *Cluster) hello() {
	c.enqueueSync(ChannelPresence, syncMessage{Kind: kindHello, Instance: c.instance, At: c.now().UnixNano()})
}

func (c *Cluster) enqueueSync(channel string, m syncMessage) {
	m.Epoch = c.epoch
	payload, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("module", "app.cluster").Str("kind", string(m.Kind)).Msg("encode sync message")
		return
	}
	if err := c.enqueue(outbound{channel: channel, payload: payload}); err != nil {
		log.Debug().Err(err).Str("module", "app.cluster").Str("kind", string(m.Kind)).Msg("sync message dropped")
	}
}

func (c *Cluster) enqueueKey(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.enqueue(outbound{key: key, ttl: ttl, payload: value}); err != nil {
		log.Debug().Err(err).Str("module", "app.cluster").Str("key", key).Msg("key write dropped")
	}
}

func (c *Cluster) enqueue(o outbound) error {
	select {
	case c.out <- o:
		return nil
	default:
		return fmt.Errorf("outbound queue full: %w", domain.ErrBridgeUnavailable)
	}
}

func (c *Cluster) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-c.out:
			var err error
			if o.key != "" {
				err = c.bridge.SetWithTTL(ctx, o.key, o.payload, o.ttl)
			} else {
				err = c.bridge.Publish(ctx, o.channel, o.payload)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("module", "app.cluster").Str("channel", o.channel).Str("key", o.key).Msg("bridge write failed")
			}
		}
	}
}

func (c *Cluster) requestSweep() {
	select {
	case c.sweep <- struct{}{}:
	default:
	}
}

func (c *Cluster) sweepLoop(ctx context.Context) {
	interval := c.opts.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		case <-c.sweep:
			c.Sweep(ctx)
		}
	}
}

// Sweep re-publishes this instance's authoritative state and drops peers
// that went silent.
func (c *Cluster) Sweep(ctx context.Context) {
	now := c.now()
	for _, peer := range c.expirePeers(now) {
		log.Warn().Str("module", "app.cluster").Str("peer", string(peer)).Msg("peer silent, dropping its presence and membership")
		c.presence.DropInstance(peer)
		c.rooms.DropInstance(peer)
		c.gate.forget(peer)
	}
	c.dispatcher.Deduper().Prune()

	if c.bridge.Degraded() {
		return
	}

	counts, pv := c.presence.LocalState()
	c.enqueueSync(ChannelPresence, syncMessage{Kind: kindPresenceSnapshot, Instance: c.instance, Version: pv, At: now.UnixNano(), Counts: counts})
	rooms, rv := c.rooms.LocalSnapshot()
	c.enqueueSync(ChannelRooms, syncMessage{Kind: kindRoomSnapshot, Instance: c.instance, Version: rv, At: now.UnixNano(), Rooms: rooms})

	stamp := []byte(now.UTC().Format(time.RFC3339Nano))
	if err := c.bridge.SetWithTTL(ctx, InstanceKey(c.instance), stamp, c.opts.PeerTimeout); err != nil {
		log.Debug().Err(err).Str("module", "app.cluster").Msg("refresh instance key")
		return
	}
	for _, u := range c.presence.OnlineLocally() {
		c.enqueueKey(LastSeenKey(u), stamp, c.opts.Retention)
	}
}

func (c *Cluster) touchPeer(peer domain.InstanceID) bool {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	_, known := c.peers[peer]
	c.peers[peer] = c.now()
	return !known
}

func (c *Cluster) expirePeers(now time.Time) []domain.InstanceID {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	var out []domain.InstanceID
	for peer, seen := range c.peers {
		if now.Sub(seen) > c.opts.PeerTimeout {
			delete(c.peers, peer)
			out = append(out, peer)
		}
	}
	return out
}

// Peers lists instances heard from within the peer timeout.
func (c *Cluster) Peers() []domain.InstanceID {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]domain.InstanceID, 0, len(c.peers))
	for p := range c.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (c *Cluster) handleSync(_ context.Context, payload []byte) {
	var m syncMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Warn().Err(err).Str("module", "app.cluster").Msg("malformed sync message")
		return
	}
	if m.Instance == "" || m.Instance == c.instance {
		return
	}
	if c.touchPeer(m.Instance) {
		log.Info().Str("module", "app.cluster").Str("peer", string(m.Instance)).Msg("new peer")
		c.requestSweep()
	}
	if c.gate.observe(m.Instance, m.Epoch) {
		log.Warn().Str("module", "app.cluster").Str("peer", string(m.Instance)).Msg("peer restarted, dropping its previous state")
		c.presence.DropInstance(m.Instance)
		c.rooms.DropInstance(m.Instance)
	}

	switch m.Kind {
	case kindHello:
		c.requestSweep()
	case kindPresence:
		if c.gate.delta(m.Instance, streamPresence, m.Version) {
			c.presence.ApplyRemoteDelta(PresenceDelta{Instance: m.Instance, User: m.User, Delta: m.Delta, At: m.At})
		}
	case kindTyping:
		c.presence.ApplyRemoteTyping(TypingDelta{Instance: m.Instance, User: m.User, Room: m.Room, Until: m.Until})
	case kindRoom:
		if c.gate.delta(m.Instance, streamRooms, m.Version) {
			c.rooms.ApplyRemoteDelta(RoomDelta{Instance: m.Instance, Room: m.Room, Conn: m.Conn, User: m.User, Joined: m.Joined})
		}
	case kindPresenceSnapshot:
		if c.gate.snapshot(m.Instance, streamPresence, m.Version) {
			c.presence.ApplyRemoteSnapshot(m.Instance, m.Counts)
		} else {
			log.Debug().Str("module", "app.cluster").Str("peer", string(m.Instance)).Uint64("version", m.Version).Msg("stale presence snapshot skipped")
		}
	case kindRoomSnapshot:
		if c.gate.snapshot(m.Instance, streamRooms, m.Version) {
			c.rooms.ApplyRemoteSnapshot(m.Instance, m.Rooms)
		} else {
			log.Debug().Str("module", "app.cluster").Str("peer", string(m.Instance)).Uint64("version", m.Version).Msg("stale room snapshot skipped")
		}
	default:
		log.Warn().Str("module", "app.cluster").Str("kind", string(m.Kind)).Msg("unknown sync message")
	}
}
