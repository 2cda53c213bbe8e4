package app_test

import (
	"sync"
	"testing"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	presence []app.PresenceDelta
	typing   []app.TypingDelta
	rooms    []app.RoomDelta
}

func (s *recordingSink) EmitPresence(d app.PresenceDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, d)
}

func (s *recordingSink) EmitTyping(d app.TypingDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, d)
}

func (s *recordingSink) EmitMembership(d app.RoomDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, d)
}

func TestRoomRegistry_JoinIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	r := app.NewRoomRegistry("i1")
	r.SetSink(sink)

	require.NoError(t, r.Join("forum_42", "c1", "alice"))
	assert.ErrorIs(t, r.Join("forum_42", "c1", "alice"), domain.ErrAlreadyMember)

	assert.Equal(t, []domain.UserID{"alice"}, r.Members("forum_42"))
	assert.Len(t, r.LocalMembers("forum_42"), 1)
	assert.Len(t, sink.rooms, 1, "repeat join emits nothing")
}

func TestRoomRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	r := app.NewRoomRegistry("i1")
	require.NoError(t, r.Join("forum_42", "c1", "alice"))
	require.NoError(t, r.Join("forum_42", "c2", "alice"))

	assert.True(t, r.Leave("forum_42", "c1"))
	assert.Equal(t, []domain.UserID{"alice"}, r.Members("forum_42"), "second connection keeps the user in")
	assert.False(t, r.Leave("forum_42", "c1"))

	assert.True(t, r.Leave("forum_42", "c2"))
	assert.False(t, r.Exists("forum_42"))
	assert.Empty(t, r.Rooms())
}

func TestRoomRegistry_RemoteMembership(t *testing.T) {
	r := app.NewRoomRegistry("i1")
	require.NoError(t, r.Join("forum_42", "c1", "alice"))

	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i2", Room: "forum_42", Conn: "c9", User: "bob", Joined: true})
	assert.Equal(t, []domain.UserID{"alice", "bob"}, r.Members("forum_42"))
	assert.Len(t, r.LocalMembers("forum_42"), 1, "remote connections are never local targets")
	assert.True(t, r.HasUser("bob"))

	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i1", Room: "forum_42", Conn: "c8", User: "mallory", Joined: true})
	assert.NotContains(t, r.Members("forum_42"), domain.UserID("mallory"), "own instance deltas are ignored")

	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i2", Room: "forum_42", Conn: "c9", User: "bob"})
	assert.Equal(t, []domain.UserID{"alice"}, r.Members("forum_42"))
}

func TestRoomRegistry_SnapshotReplacesInstanceContribution(t *testing.T) {
	r := app.NewRoomRegistry("i1")
	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i2", Room: "forum_1", Conn: "c1", User: "bob", Joined: true})
	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i2", Room: "forum_2", Conn: "c1", User: "bob", Joined: true})
	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i3", Room: "forum_2", Conn: "c7", User: "carol", Joined: true})

	r.ApplyRemoteSnapshot("i2", map[domain.RoomID]map[domain.ConnID]domain.UserID{
		"forum_2": {"c1": "bob", "c2": "dave"},
		"forum_3": {},
	})

	assert.False(t, r.Exists("forum_1"), "room only i2 held is gone")
	assert.Equal(t, []domain.UserID{"bob", "carol", "dave"}, r.Members("forum_2"))
	assert.False(t, r.Exists("forum_3"))

	r.DropInstance("i2")
	assert.Equal(t, []domain.UserID{"carol"}, r.Members("forum_2"))
	r.DropInstance("i3")
	assert.Empty(t, r.Rooms())
}

func TestRoomRegistry_LocalSnapshot(t *testing.T) {
	r := app.NewRoomRegistry("i1")
	require.NoError(t, r.Join("forum_1", "c1", "alice"))
	r.ApplyRemoteDelta(app.RoomDelta{Instance: "i2", Room: "forum_2", Conn: "c9", User: "bob", Joined: true})

	snap, v := r.LocalSnapshot()
	assert.Equal(t, map[domain.RoomID]map[domain.ConnID]domain.UserID{"forum_1": {"c1": "alice"}}, snap)
	assert.Equal(t, uint64(1), v, "remote deltas do not advance the local version")

	require.NoError(t, r.Join("forum_1", "c2", "alice"))
	require.True(t, r.Leave("forum_1", "c1"))
	snap, v = r.LocalSnapshot()
	assert.Equal(t, map[domain.RoomID]map[domain.ConnID]domain.UserID{"forum_1": {"c2": "alice"}}, snap)
	assert.Equal(t, uint64(3), v)
}
