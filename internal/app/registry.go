package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connection is one live client transport on this instance.
type Connection struct {
	ID        domain.ConnID
	CreatedAt time.Time

	transport    core.Transport
	lastActivity atomic.Int64

	mu    sync.RWMutex
	user  domain.UserID
	rooms map[domain.RoomID]struct{}
}

func (c *Connection) Transport() core.Transport { return c.transport }

func (c *Connection) User() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Connection) Authenticated() bool { return c.User() != "" }

func (c *Connection) Rooms() []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (c *Connection) InRoom(room domain.RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

type connShard struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*Connection
}

type userShard struct {
	mu    sync.RWMutex
	conns map[domain.UserID]map[domain.ConnID]*Connection
}

// ConnectionHook observes a connection lifecycle step. Hooks run synchronously.
type ConnectionHook func(c *Connection)

// ConnectionRegistry is the authoritative set of live connections on this instance.
type ConnectionRegistry struct {
	sharder core.Sharder
	conns   [core.ShardCount]*connShard
	users   [core.ShardCount]*userShard
	count   atomic.Int64

	idleTimeout time.Duration
	now         func() time.Time

	hookMu       sync.RWMutex
	onAuth       []ConnectionHook
	onDeregister []ConnectionHook
}

func NewConnectionRegistry(idleTimeout time.Duration) *ConnectionRegistry {
	r := &ConnectionRegistry{
		sharder:     core.NewSharder(),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
	for i := range r.conns {
		r.conns[i] = &connShard{conns: make(map[domain.ConnID]*Connection)}
		r.users[i] = &userShard{conns: make(map[domain.UserID]map[domain.ConnID]*Connection)}
	}
	return r
}

// OnAuthenticate registers a hook fired once per connection, when a user is first attached.
func (r *ConnectionRegistry) OnAuthenticate(h ConnectionHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onAuth = append(r.onAuth, h)
}

// OnDeregister registers a hook fired once per connection, before Deregister returns.
func (r *ConnectionRegistry) OnDeregister(h ConnectionHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDeregister = append(r.onDeregister, h)
}

func (r *ConnectionRegistry) connShard(id domain.ConnID) *connShard {
	return r.conns[r.sharder.Index(string(id))]
}

func (r *ConnectionRegistry) userShard(u domain.UserID) *userShard {
	return r.users[r.sharder.Index(string(u))]
}

func (r *ConnectionRegistry) Register(t core.Transport) (domain.ConnID, error) {
	id := t.ID()
	now := r.now()
	c := &Connection{
		ID:        id,
		CreatedAt: now,
		transport: t,
		rooms:     make(map[domain.RoomID]struct{}),
	}
	c.touch(now)

	s := r.connShard(id)
	s.mu.Lock()
	if _, exists := s.conns[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("register %s: %w", id, domain.ErrDuplicateConnection)
	}
	s.conns[id] = c
	s.mu.Unlock()

	r.count.Add(1)
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("registered connection")
	return id, nil
}

// Authenticate attaches user to the connection. Repeating it with the same
// user is a no-op; a different user fails with domain.ErrAlreadyAuthenticated.
func (r *ConnectionRegistry) Authenticate(id domain.ConnID, user domain.UserID) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("authenticate %s: %w", id, domain.ErrConnectionNotFound)
	}

	c.mu.Lock()
	switch c.user {
	case user:
		c.mu.Unlock()
		return nil
	case "":
		c.user = user
	default:
		c.mu.Unlock()
		return fmt.Errorf("authenticate %s as %s: %w", id, user, domain.ErrAlreadyAuthenticated)
	}
	c.mu.Unlock()
	c.touch(r.now())

	us := r.userShard(user)
	us.mu.Lock()
	set, ok := us.conns[user]
	if !ok {
		set = make(map[domain.ConnID]*Connection)
		us.conns[user] = set
	}
	set[id] = c
	us.mu.Unlock()

	// The connection may have been deregistered while we were attaching.
	if _, still := r.Get(id); !still {
		r.unindexUser(user, id)
		return fmt.Errorf("authenticate %s: %w", id, domain.ErrConnectionNotFound)
	}

	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("authenticated connection")

	r.hookMu.RLock()
	hooks := r.onAuth
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
	return nil
}

func (r *ConnectionRegistry) Heartbeat(id domain.ConnID) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, domain.ErrConnectionNotFound)
	}
	c.touch(r.now())
	return nil
}

// Deregister removes the connection and runs deregistration hooks before
// returning. It reports false if the connection was already gone.
func (r *ConnectionRegistry) Deregister(id domain.ConnID) (*Connection, bool) {
	s := r.connShard(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.count.Add(-1)

	if user := c.User(); user != "" {
		r.unindexUser(user, id)
	}

	r.hookMu.RLock()
	hooks := r.onDeregister
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}

	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(c.User())).Msg("deregistered connection")
	return c, true
}

func (r *ConnectionRegistry) unindexUser(user domain.UserID, id domain.ConnID) {
	us := r.userShard(user)
	us.mu.Lock()
	defer us.mu.Unlock()
	if set, ok := us.conns[user]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(us.conns, user)
		}
	}
}

// AddRoom records room in the connection's joined set.
func (r *ConnectionRegistry) AddRoom(id domain.ConnID, room domain.RoomID) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("add room %s to %s: %w", room, id, domain.ErrConnectionNotFound)
	}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (r *ConnectionRegistry) RemoveRoom(id domain.ConnID, room domain.RoomID) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, in := c.rooms[room]; !in {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (r *ConnectionRegistry) Get(id domain.ConnID) (*Connection, bool) {
	s := r.connShard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// ConnectionsOf lists the local connections authenticated as user.
func (r *ConnectionRegistry) ConnectionsOf(user domain.UserID) []*Connection {
	us := r.userShard(user)
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.conns[user]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *ConnectionRegistry) Count() int {
	return int(r.count.Load())
}

// Snapshot returns every registered connection.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	out := make([]*Connection, 0, r.Count())
	for _, s := range r.conns {
		s.mu.RLock()
		for _, c := range s.conns {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

// Idle returns connections with no activity within the idle timeout.
func (r *ConnectionRegistry) Idle() []*Connection {
	if r.idleTimeout <= 0 {
		return nil
	}
	deadline := r.now().Add(-r.idleTimeout)
	var out []*Connection
	for _, s := range r.conns {
		s.mu.RLock()
		for _, c := range s.conns {
			if c.LastActivity().Before(deadline) {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// SweepIdle closes and deregisters idle connections, returning how many.
func (r *ConnectionRegistry) SweepIdle() int {
	idle := r.Idle()
	for _, c := range idle {
		log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("user", string(c.User())).
			Time("last_activity", c.LastActivity()).Msg("idle connection, closing")
		c.transport.Close(domain.CodeIdleTimeout)
		r.Deregister(c.ID)
	}
	return len(idle)
}

// Run sweeps idle connections until ctx is done.
func (r *ConnectionRegistry) Run(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle()
		}
	}
}

// CloseAll closes and deregisters every connection, e.g. on shutdown.
func (r *ConnectionRegistry) CloseAll(code string) {
	for _, c := range r.Snapshot() {
		c.transport.Close(code)
		r.Deregister(c.ID)
	}
}
