package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const fanoutLimit = 64

// Relayer forwards an envelope to peer instances without blocking on the network.
type Relayer interface {
	Relay(env domain.Envelope) error
}

type PublishResult struct {
	SendTo  int             `json:"send_to"`
	Dropped []domain.ConnID `json:"dropped,omitempty"`
}

type DispatcherOptions struct {
	SendTimeout time.Duration
	DedupWindow time.Duration
	Policy      Policy
}

// Dispatcher fans envelopes out to local connections and relays them to peers.
type Dispatcher struct {
	instance domain.InstanceID
	seq      atomic.Uint64

	conns   *ConnectionRegistry
	rooms   *RoomRegistry
	relayer Relayer
	policy  Policy
	dedup   *core.Deduper

	sendTimeout time.Duration
	sharder     core.Sharder
	order       [core.ShardCount]sync.Mutex
	now         func() time.Time
}

func NewDispatcher(instance domain.InstanceID, conns *ConnectionRegistry, rooms *RoomRegistry, opts DispatcherOptions) *Dispatcher {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	d := &Dispatcher{
		instance:    instance,
		conns:       conns,
		rooms:       rooms,
		policy:      opts.Policy,
		dedup:       core.NewDeduper(opts.DedupWindow),
		sendTimeout: opts.SendTimeout,
		sharder:     core.NewSharder(),
		now:         time.Now,
	}
	// A restart under the same instance id must not reuse seqs peers still remember.
	d.seq.Store(uint64(d.now().UnixNano()))
	return d
}

// SetRelayer must be called before the dispatcher is used. A nil relayer keeps delivery local.
func (d *Dispatcher) SetRelayer(r Relayer) { d.relayer = r }

func (d *Dispatcher) Deduper() *core.Deduper { return d.dedup }

func (d *Dispatcher) lock(key string) func() {
	mu := &d.order[d.sharder.Index(key)]
	mu.Lock()
	return mu.Unlock
}

func (d *Dispatcher) stamp(env domain.Envelope) domain.Envelope {
	env.Origin = d.instance
	env.Seq = d.seq.Add(1)
	env.SentAt = d.now().UnixMilli()
	return env
}

// PublishToRoom delivers env to every member of room across the cluster.
// Bridge failures are logged and never returned.
func (d *Dispatcher) PublishToRoom(ctx context.Context, room domain.RoomID, env domain.Envelope) (PublishResult, error) {
	if err := domain.ValidateRoomID(room); err != nil {
		return PublishResult{}, fmt.Errorf("publish to room: %w", err)
	}
	env.Room = room

	unlock := d.lock("room:" + string(room))
	env = d.stamp(env)
	d.relay(env)
	res, failed := d.deliver(ctx, env, d.roomTargets(room, env.Skip()))
	unlock()

	d.enforce(failed)
	return res, nil
}

// PublishToUser delivers env to every connection of user across the cluster.
func (d *Dispatcher) PublishToUser(ctx context.Context, user domain.UserID, env domain.Envelope) (PublishResult, error) {
	if err := domain.ValidateUserID(user); err != nil {
		return PublishResult{}, fmt.Errorf("publish to user: %w", err)
	}
	env.User = user

	unlock := d.lock("user:" + string(user))
	env = d.stamp(env)
	d.relay(env)
	res, failed := d.deliver(ctx, env, d.userTargets(user, env.Skip()))
	unlock()

	d.enforce(failed)
	return res, nil
}

// PublishToAll delivers env to every authenticated connection on this instance only.
func (d *Dispatcher) PublishToAll(ctx context.Context, env domain.Envelope) PublishResult {
	env = d.stamp(env)
	var targets []*Connection
	for _, c := range d.conns.Snapshot() {
		if c.Authenticated() && c.ID != env.Skip() {
			targets = append(targets, c)
		}
	}
	res, failed := d.deliver(ctx, env, targets)
	d.enforce(failed)
	return res
}

// HandleRelay delivers an envelope received from a peer, at most once per (origin, seq).
func (d *Dispatcher) HandleRelay(ctx context.Context, env domain.Envelope) (PublishResult, bool) {
	if env.Origin == d.instance || env.Origin == "" {
		return PublishResult{}, false
	}
	if !d.dedup.Accept(env.Origin, env.Seq) {
		log.Debug().Str("module", "app.dispatcher").Str("origin", string(env.Origin)).Uint64("seq", env.Seq).Msg("duplicate envelope dropped")
		return PublishResult{}, false
	}
	var targets []*Connection
	switch {
	case env.Room != "":
		targets = d.roomTargets(env.Room, "")
	case env.User != "":
		targets = d.userTargets(env.User, "")
	default:
		return PublishResult{}, false
	}
	res, failed := d.deliver(ctx, env, targets)
	d.enforce(failed)
	return res, true
}

// AnnouncePresence tells local clients about a confirmed presence transition.
func (d *Dispatcher) AnnouncePresence(user domain.UserID, online bool, lastSeen time.Time) {
	payload, err := json.Marshal(struct {
		User     domain.UserID `json:"user_id"`
		Online   bool          `json:"online"`
		LastSeen time.Time     `json:"last_seen"`
	}{user, online, lastSeen})
	if err != nil {
		log.Error().Err(err).Str("module", "app.dispatcher").Msg("encode presence change")
		return
	}
	d.PublishToAll(context.Background(), domain.Envelope{Type: domain.EventPresenceChange, User: user, Payload: payload})
}

func (d *Dispatcher) roomTargets(room domain.RoomID, skip domain.ConnID) []*Connection {
	ids := d.rooms.LocalMembers(room)
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if id == skip {
			continue
		}
		if c, ok := d.conns.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) userTargets(user domain.UserID, skip domain.ConnID) []*Connection {
	conns := d.conns.ConnectionsOf(user)
	out := conns[:0]
	for _, c := range conns {
		if c.ID != skip {
			out = append(out, c)
		}
	}
	return out
}

type sendFailure struct {
	conn *Connection
	err  error
}

// deliver sends env to targets concurrently. Failed sends are returned rather
// than handled so callers can apply the policy outside the ordering lock.
func (d *Dispatcher) deliver(ctx context.Context, env domain.Envelope, targets []*Connection) (PublishResult, []sendFailure) {
	res := PublishResult{SendTo: len(targets)}
	if len(targets) == 0 {
		return res, nil
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.dispatcher").Str("type", string(env.Type)).Msg("encode envelope")
		return PublishResult{}, nil
	}

	var (
		mu     sync.Mutex
		failed []sendFailure
		g      errgroup.Group
	)
	g.SetLimit(fanoutLimit)
	for _, c := range targets {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()
			if err := c.Transport().Send(sctx, frame); err != nil {
				mu.Lock()
				failed = append(failed, sendFailure{conn: c, err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed {
		res.Dropped = append(res.Dropped, f.conn.ID)
	}
	return res, failed
}

func (d *Dispatcher) enforce(failed []sendFailure) {
	for _, f := range failed {
		d.onFailure(f.conn, f.err)
	}
}

func (d *Dispatcher) onFailure(c *Connection, err error) {
	switch d.policy.OnBackPressure(c, err) {
	case KickMember:
		log.Warn().Err(err).Str("module", "app.dispatcher").Str("conn", string(c.ID)).Str("user", string(c.User())).Msg("slow consumer, closing")
		d.conns.Deregister(c.ID)
		c.Transport().Close(domain.CodeSlowConsumer)
	case DropFrame, NoAction:
	}
}

func (d *Dispatcher) relay(env domain.Envelope) {
	if d.relayer == nil {
		return
	}
	if err := d.relayer.Relay(env); err != nil {
		log.Debug().Err(err).Str("module", "app.dispatcher").Str("type", string(env.Type)).Uint64("seq", env.Seq).Msg("relay skipped, delivered locally only")
	}
}
