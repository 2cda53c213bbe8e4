package app

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Presence is the cluster-wide view of one user.
type Presence struct {
	User        domain.UserID   `json:"user_id"`
	Online      bool            `json:"online"`
	LastSeen    time.Time       `json:"last_seen"`
	TypingRooms []domain.RoomID `json:"typing_rooms,omitempty"`
}

// PresenceChange is called once per confirmed online/offline transition.
type PresenceChange func(user domain.UserID, online bool, lastSeen time.Time)

type PresenceOptions struct {
	TypingTTL time.Duration
	// Debounce delays offline announcements so a quick reconnect does not flap.
	Debounce  time.Duration
	Retention time.Duration
}

type presenceRecord struct {
	counts    map[domain.InstanceID]int
	lastSeen  time.Time
	typing    map[domain.RoomID]time.Time
	announced bool
	pending   *time.Timer
	gen       uint64
}

func (r *presenceRecord) total() int {
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

type presenceShard struct {
	mu      sync.Mutex
	records map[domain.UserID]*presenceRecord
}

type announcement struct {
	user     domain.UserID
	online   bool
	lastSeen time.Time
}

// PresenceTracker derives per-user online status and typing state from
// per-instance connection counts.
type PresenceTracker struct {
	instance domain.InstanceID
	opts     PresenceOptions
	sharder  core.Sharder
	shards   [core.ShardCount]*presenceShard
	// version counts local count changes; bumped under the user's shard lock.
	version atomic.Uint64

	sink       DeltaSink
	onChange   PresenceChange
	referenced func(domain.UserID) bool
	now        func() time.Time
}

func NewPresenceTracker(instance domain.InstanceID, opts PresenceOptions) *PresenceTracker {
	t := &PresenceTracker{
		instance:   instance,
		opts:       opts,
		sharder:    core.NewSharder(),
		sink:       nopSink{},
		onChange:   func(domain.UserID, bool, time.Time) {},
		referenced: func(domain.UserID) bool { return false },
		now:        time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &presenceShard{records: make(map[domain.UserID]*presenceRecord)}
	}
	return t
}

// SetSink, OnChange and SetReferenced must be called before the tracker is used.
func (t *PresenceTracker) SetSink(s DeltaSink) {
	if s == nil {
		s = nopSink{}
	}
	t.sink = s
}

func (t *PresenceTracker) OnChange(fn PresenceChange) { t.onChange = fn }

// SetReferenced tells the tracker which offline users must not be collected.
func (t *PresenceTracker) SetReferenced(fn func(domain.UserID) bool) { t.referenced = fn }

func (t *PresenceTracker) shard(u domain.UserID) *presenceShard {
	return t.shards[t.sharder.Index(string(u))]
}

func (s *presenceShard) record(u domain.UserID) *presenceRecord {
	rec, ok := s.records[u]
	if !ok {
		rec = &presenceRecord{
			counts: make(map[domain.InstanceID]int),
			typing: make(map[domain.RoomID]time.Time),
		}
		s.records[u] = rec
	}
	return rec
}

func (t *PresenceTracker) OnConnect(user domain.UserID, instance domain.InstanceID) {
	v := t.adjust(user, instance, 1, t.now())
	if instance == t.instance {
		t.sink.EmitPresence(PresenceDelta{Instance: instance, User: user, Delta: 1, At: t.now().UnixNano(), Version: v})
	}
}

func (t *PresenceTracker) OnDisconnect(user domain.UserID, instance domain.InstanceID) {
	v := t.adjust(user, instance, -1, t.now())
	if instance == t.instance {
		t.sink.EmitPresence(PresenceDelta{Instance: instance, User: user, Delta: -1, At: t.now().UnixNano(), Version: v})
	}
}

// ApplyRemoteDelta applies a peer's count change without re-emitting it.
func (t *PresenceTracker) ApplyRemoteDelta(d PresenceDelta) {
	if d.Instance == t.instance {
		return
	}
	at := t.now()
	if d.At > 0 {
		at = time.Unix(0, d.At)
	}
	t.adjust(d.User, d.Instance, d.Delta, at)
}

// adjust returns the local version stamped on the change, or zero for a remote one.
func (t *PresenceTracker) adjust(user domain.UserID, instance domain.InstanceID, delta int, at time.Time) uint64 {
	s := t.shard(user)
	s.mu.Lock()
	var version uint64
	if instance == t.instance {
		version = t.version.Add(1)
	}
	rec := s.record(user)
	before := rec.total()
	if n := rec.counts[instance] + delta; n > 0 {
		rec.counts[instance] = n
	} else {
		delete(rec.counts, instance)
	}
	if at.After(rec.lastSeen) {
		rec.lastSeen = at
	}
	ann := t.transition(user, rec, before > 0, rec.total() > 0)
	s.mu.Unlock()

	t.announce(ann)
	return version
}

// transition must be called with the record's shard locked.
func (t *PresenceTracker) transition(user domain.UserID, rec *presenceRecord, was, is bool) *announcement {
	switch {
	case !was && is:
		if rec.pending != nil {
			rec.pending.Stop()
			rec.pending = nil
			rec.gen++
		}
		if !rec.announced {
			rec.announced = true
			return &announcement{user: user, online: true, lastSeen: rec.lastSeen}
		}
	case was && !is:
		clear(rec.typing)
		if !rec.announced {
			return nil
		}
		if t.opts.Debounce <= 0 {
			rec.announced = false
			return &announcement{user: user, online: false, lastSeen: rec.lastSeen}
		}
		rec.gen++
		gen := rec.gen
		rec.pending = time.AfterFunc(t.opts.Debounce, func() { t.confirmOffline(user, gen) })
	}
	return nil
}

func (t *PresenceTracker) confirmOffline(user domain.UserID, gen uint64) {
	s := t.shard(user)
	s.mu.Lock()
	rec, ok := s.records[user]
	if !ok || rec.gen != gen || rec.total() > 0 || !rec.announced {
		s.mu.Unlock()
		return
	}
	rec.pending = nil
	rec.announced = false
	ann := &announcement{user: user, online: false, lastSeen: rec.lastSeen}
	s.mu.Unlock()

	t.announce(ann)
}

func (t *PresenceTracker) announce(a *announcement) {
	if a == nil {
		return
	}
	log.Debug().Str("module", "app.presence").Str("user", string(a.user)).Bool("online", a.online).Msg("presence changed")
	t.onChange(a.user, a.online, a.lastSeen)
}

// Touch refreshes the user's last-seen time.
func (t *PresenceTracker) Touch(user domain.UserID) {
	s := t.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[user]; ok {
		rec.lastSeen = t.now()
	}
}

func (t *PresenceTracker) OnTyping(user domain.UserID, room domain.RoomID) {
	until := t.now().Add(t.opts.TypingTTL)
	t.setTyping(user, room, until)
	t.sink.EmitTyping(TypingDelta{Instance: t.instance, User: user, Room: room, Until: until.UnixNano()})
}

func (t *PresenceTracker) OnTypingStop(user domain.UserID, room domain.RoomID) {
	if t.setTyping(user, room, time.Time{}) {
		t.sink.EmitTyping(TypingDelta{Instance: t.instance, User: user, Room: room})
	}
}

func (t *PresenceTracker) ApplyRemoteTyping(d TypingDelta) {
	if d.Instance == t.instance {
		return
	}
	var until time.Time
	if d.Until > 0 {
		until = time.Unix(0, d.Until)
	}
	t.setTyping(d.User, d.Room, until)
}

// setTyping sets the flag, or clears it when until is zero, reporting whether anything changed.
func (t *PresenceTracker) setTyping(user domain.UserID, room domain.RoomID, until time.Time) bool {
	s := t.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.IsZero() {
		rec, ok := s.records[user]
		if !ok {
			return false
		}
		if _, typing := rec.typing[room]; !typing {
			return false
		}
		delete(rec.typing, room)
		return true
	}
	s.record(user).typing[room] = until
	return true
}

func (t *PresenceTracker) Get(user domain.UserID) Presence {
	now := t.now()
	s := t.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Presence{User: user}
	rec, ok := s.records[user]
	if !ok {
		return p
	}
	p.Online = rec.total() > 0
	p.LastSeen = rec.lastSeen
	for room, until := range rec.typing {
		if now.Before(until) {
			p.TypingRooms = append(p.TypingRooms, room)
		}
	}
	slices.Sort(p.TypingRooms)
	return p
}

// Online lists users with at least one live connection anywhere in the cluster.
func (t *PresenceTracker) Online() []domain.UserID {
	var out []domain.UserID
	for _, s := range t.shards {
		s.mu.Lock()
		for u, rec := range s.records {
			if rec.total() > 0 {
				out = append(out, u)
			}
		}
		s.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

// LocalCounts returns this instance's authoritative per-user connection counts.
func (t *PresenceTracker) LocalCounts() map[domain.UserID]int {
	out := make(map[domain.UserID]int)
	for _, s := range t.shards {
		s.mu.Lock()
		for u, rec := range s.records {
			if n := rec.counts[t.instance]; n > 0 {
				out[u] = n
			}
		}
		s.mu.Unlock()
	}
	return out
}

// LocalState returns this instance's per-user counts and the version of the
// last local change they include. Every shard is held while copying so the
// counts reflect exactly the changes up to that version.
func (t *PresenceTracker) LocalState() (map[domain.UserID]int, uint64) {
	for _, s := range t.shards {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range t.shards {
			s.mu.Unlock()
		}
	}()
	version := t.version.Load()
	out := make(map[domain.UserID]int)
	for _, s := range t.shards {
		for u, rec := range s.records {
			if n := rec.counts[t.instance]; n > 0 {
				out[u] = n
			}
		}
	}
	return out, version
}

// ApplyRemoteSnapshot replaces instance's contribution with counts.
func (t *PresenceTracker) ApplyRemoteSnapshot(instance domain.InstanceID, counts map[domain.UserID]int) {
	if instance == t.instance {
		return
	}
	now := t.now()
	var anns []*announcement
	for _, s := range t.shards {
		s.mu.Lock()
		for u, rec := range s.records {
			if _, listed := counts[u]; listed {
				continue
			}
			if _, had := rec.counts[instance]; !had {
				continue
			}
			before := rec.total()
			delete(rec.counts, instance)
			rec.lastSeen = now
			anns = append(anns, t.transition(u, rec, before > 0, rec.total() > 0))
		}
		s.mu.Unlock()
	}
	for u, n := range counts {
		s := t.shard(u)
		s.mu.Lock()
		rec := s.record(u)
		before := rec.total()
		if n > 0 {
			rec.counts[instance] = n
		} else {
			delete(rec.counts, instance)
		}
		if before == 0 && n > 0 {
			rec.lastSeen = now
		}
		anns = append(anns, t.transition(u, rec, before > 0, rec.total() > 0))
		s.mu.Unlock()
	}
	for _, a := range anns {
		t.announce(a)
	}
}

// DropInstance forgets every count contributed by instance.
func (t *PresenceTracker) DropInstance(instance domain.InstanceID) {
	t.ApplyRemoteSnapshot(instance, nil)
}

// Sweep prunes expired typing flags and collects long-offline records that
// no room references. It returns the number of collected records.
func (t *PresenceTracker) Sweep() int {
	now := t.now()
	var candidates []domain.UserID
	for _, s := range t.shards {
		s.mu.Lock()
		for u, rec := range s.records {
			for room, until := range rec.typing {
				if !now.Before(until) {
					delete(rec.typing, room)
				}
			}
			if t.collectable(rec, now) {
				candidates = append(candidates, u)
			}
		}
		s.mu.Unlock()
	}

	collected := 0
	for _, u := range candidates {
		if t.referenced(u) {
			continue
		}
		s := t.shard(u)
		s.mu.Lock()
		if rec, ok := s.records[u]; ok && t.collectable(rec, now) {
			delete(s.records, u)
			collected++
		}
		s.mu.Unlock()
	}
	if collected > 0 {
		log.Debug().Str("module", "app.presence").Int("collected", collected).Msg("swept presence records")
	}
	return collected
}

func (t *PresenceTracker) collectable(rec *presenceRecord, now time.Time) bool {
	return rec.total() == 0 && rec.pending == nil && !rec.announced &&
		now.Sub(rec.lastSeen) > t.opts.Retention
}

// OnlineLocally lists users with a live connection on this instance.
func (t *PresenceTracker) OnlineLocally() []domain.UserID {
	counts := t.LocalCounts()
	out := make([]domain.UserID, 0, len(counts))
	for u := range counts {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Run sweeps every interval until ctx is done.
func (t *PresenceTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
