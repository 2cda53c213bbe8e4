package app

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomEntry struct {
	local  map[domain.ConnID]domain.UserID
	remote map[domain.InstanceID]map[domain.ConnID]domain.UserID
}

func newRoomEntry() *roomEntry {
	return &roomEntry{
		local:  make(map[domain.ConnID]domain.UserID),
		remote: make(map[domain.InstanceID]map[domain.ConnID]domain.UserID),
	}
}

func (e *roomEntry) empty() bool {
	return len(e.local) == 0 && len(e.remote) == 0
}

func (e *roomEntry) members() []domain.UserID {
	seen := make(map[domain.UserID]struct{}, len(e.local))
	for _, u := range e.local {
		seen[u] = struct{}{}
	}
	for _, conns := range e.remote {
		for _, u := range conns {
			seen[u] = struct{}{}
		}
	}
	out := make([]domain.UserID, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func (e *roomEntry) has(user domain.UserID) bool {
	for _, u := range e.local {
		if u == user {
			return true
		}
	}
	for _, conns := range e.remote {
		for _, u := range conns {
			if u == user {
				return true
			}
		}
	}
	return false
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

// RoomRegistry maps rooms to member connections: local ones owned by this
// instance and remote ones learned from peers.
type RoomRegistry struct {
	instance domain.InstanceID
	sharder  core.Sharder
	shards   [core.ShardCount]*roomShard
	sink     DeltaSink
	// version counts local membership changes; bumped under the room's shard lock.
	version atomic.Uint64
}

func NewRoomRegistry(instance domain.InstanceID) *RoomRegistry {
	r := &RoomRegistry{
		instance: instance,
		sharder:  core.NewSharder(),
		sink:     nopSink{},
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{rooms: make(map[domain.RoomID]*roomEntry)}
	}
	return r
}

// SetSink must be called before the registry is used.
func (r *RoomRegistry) SetSink(s DeltaSink) {
	if s == nil {
		s = nopSink{}
	}
	r.sink = s
}

func (r *RoomRegistry) shard(room domain.RoomID) *roomShard {
	return r.shards[r.sharder.Index(string(room))]
}

// Join adds a local connection to room. Repeating it returns domain.ErrAlreadyMember.
func (r *RoomRegistry) Join(room domain.RoomID, conn domain.ConnID, user domain.UserID) error {
	s := r.shard(room)
	s.mu.Lock()
	e, ok := s.rooms[room]
	if !ok {
		e = newRoomEntry()
		s.rooms[room] = e
	}
	if _, member := e.local[conn]; member {
		s.mu.Unlock()
		return fmt.Errorf("join %s: %w", room, domain.ErrAlreadyMember)
	}
	e.local[conn] = user
	v := r.version.Add(1)
	s.mu.Unlock()

	r.sink.EmitMembership(RoomDelta{Instance: r.instance, Room: room, Conn: conn, User: user, Joined: true, Version: v})
	log.Debug().Str("module", "app.rooms").Str("room", string(room)).Str("conn", string(conn)).Str("user", string(user)).Msg("joined")
	return nil
}

// Leave removes a local connection from room, reporting whether it was a member.
func (r *RoomRegistry) Leave(room domain.RoomID, conn domain.ConnID) bool {
	s := r.shard(room)
	s.mu.Lock()
	e, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return false
	}
	user, member := e.local[conn]
	if !member {
		s.mu.Unlock()
		return false
	}
	delete(e.local, conn)
	if e.empty() {
		delete(s.rooms, room)
	}
	v := r.version.Add(1)
	s.mu.Unlock()

	r.sink.EmitMembership(RoomDelta{Instance: r.instance, Room: room, Conn: conn, User: user, Version: v})
	log.Debug().Str("module", "app.rooms").Str("room", string(room)).Str("conn", string(conn)).Msg("left")
	return true
}

// LeaveAll removes conn from each of rooms.
func (r *RoomRegistry) LeaveAll(conn domain.ConnID, rooms []domain.RoomID) {
	for _, room := range rooms {
		r.Leave(room, conn)
	}
}

// Members is the merged, cluster-wide set of users in room.
func (r *RoomRegistry) Members(room domain.RoomID) []domain.UserID {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[room]
	if !ok {
		return nil
	}
	return e.members()
}

func (r *RoomRegistry) LocalMembers(room domain.RoomID) []domain.ConnID {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[room]
	if !ok {
		return nil
	}
	out := make([]domain.ConnID, 0, len(e.local))
	for c := range e.local {
		out = append(out, c)
	}
	return out
}

func (r *RoomRegistry) Exists(room domain.RoomID) bool {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// HasUser reports whether user is a member of any room, locally or remotely.
func (r *RoomRegistry) HasUser(user domain.UserID) bool {
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.rooms {
			if e.has(user) {
				s.mu.RUnlock()
				return true
			}
		}
		s.mu.RUnlock()
	}
	return false
}

func (r *RoomRegistry) Rooms() []domain.RoomInfo {
	var out []domain.RoomInfo
	for _, s := range r.shards {
		s.mu.RLock()
		for id, e := range s.rooms {
			out = append(out, domain.RoomInfo{ID: id, LocalMembers: len(e.local), Members: len(e.members())})
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// LocalSnapshot returns this instance's authoritative membership and the
// version of the last local change it includes.
func (r *RoomRegistry) LocalSnapshot() (map[domain.RoomID]map[domain.ConnID]domain.UserID, uint64) {
	for _, s := range r.shards {
		s.mu.RLock()
	}
	defer func() {
		for _, s := range r.shards {
			s.mu.RUnlock()
		}
	}()
	version := r.version.Load()
	out := make(map[domain.RoomID]map[domain.ConnID]domain.UserID)
	for _, s := range r.shards {
		for id, e := range s.rooms {
			if len(e.local) == 0 {
				continue
			}
			conns := make(map[domain.ConnID]domain.UserID, len(e.local))
			for c, u := range e.local {
				conns[c] = u
			}
			out[id] = conns
		}
	}
	return out, version
}

// ApplyRemoteDelta applies a membership change reported by a peer.
func (r *RoomRegistry) ApplyRemoteDelta(d RoomDelta) {
	if d.Instance == r.instance {
		return
	}
	s := r.shard(d.Room)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[d.Room]
	if d.Joined {
		if !ok {
			e = newRoomEntry()
			s.rooms[d.Room] = e
		}
		conns, ok := e.remote[d.Instance]
		if !ok {
			conns = make(map[domain.ConnID]domain.UserID)
			e.remote[d.Instance] = conns
		}
		conns[d.Conn] = d.User
		return
	}
	if !ok {
		return
	}
	if conns, ok := e.remote[d.Instance]; ok {
		delete(conns, d.Conn)
		if len(conns) == 0 {
			delete(e.remote, d.Instance)
		}
	}
	if e.empty() {
		delete(s.rooms, d.Room)
	}
}

// ApplyRemoteSnapshot replaces everything known about instance's membership.
func (r *RoomRegistry) ApplyRemoteSnapshot(instance domain.InstanceID, rooms map[domain.RoomID]map[domain.ConnID]domain.UserID) {
	if instance == r.instance {
		return
	}
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.rooms {
			if len(rooms[id]) > 0 {
				continue
			}
			if _, had := e.remote[instance]; had {
				delete(e.remote, instance)
				if e.empty() {
					delete(s.rooms, id)
				}
			}
		}
		s.mu.Unlock()
	}

	for id, conns := range rooms {
		if len(conns) == 0 {
			continue
		}
		cp := make(map[domain.ConnID]domain.UserID, len(conns))
		for c, u := range conns {
			cp[c] = u
		}
		s := r.shard(id)
		s.mu.Lock()
		e, ok := s.rooms[id]
		if !ok {
			e = newRoomEntry()
			s.rooms[id] = e
		}
		e.remote[instance] = cp
		s.mu.Unlock()
	}
}

// DropInstance forgets every membership contributed by instance.
func (r *RoomRegistry) DropInstance(instance domain.InstanceID) {
	r.ApplyRemoteSnapshot(instance, nil)
}
