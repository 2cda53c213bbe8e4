package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncGate(t *testing.T) {
	t.Run("snapshot behind an applied delta is skipped", func(t *testing.T) {
		g := newSyncGate()
		g.observe("i2", 1)
		assert.True(t, g.delta("i2", streamRooms, 5))
		assert.False(t, g.snapshot("i2", streamRooms, 4))
		assert.True(t, g.snapshot("i2", streamRooms, 5))
	})

	t.Run("deltas covered by a snapshot are skipped", func(t *testing.T) {
		g := newSyncGate()
		g.observe("i2", 1)
		assert.True(t, g.snapshot("i2", streamPresence, 7))
		assert.False(t, g.delta("i2", streamPresence, 6))
		assert.False(t, g.delta("i2", streamPresence, 7))
		assert.True(t, g.delta("i2", streamPresence, 9))
		assert.True(t, g.delta("i2", streamPresence, 8), "out of order but newer than the snapshot")
	})

	t.Run("streams are independent", func(t *testing.T) {
		g := newSyncGate()
		assert.True(t, g.delta("i2", streamRooms, 10))
		assert.True(t, g.snapshot("i2", streamPresence, 3))
	})

	t.Run("a new epoch resets the cursors", func(t *testing.T) {
		g := newSyncGate()
		assert.False(t, g.observe("i2", 1))
		assert.True(t, g.snapshot("i2", streamRooms, 40))
		assert.True(t, g.observe("i2", 2))
		assert.True(t, g.delta("i2", streamRooms, 1))
		assert.False(t, g.observe("i2", 2))
	})

	t.Run("forget drops the peer", func(t *testing.T) {
		g := newSyncGate()
		g.observe("i2", 1)
		assert.True(t, g.snapshot("i2", streamRooms, 40))
		g.forget("i2")
		assert.True(t, g.delta("i2", streamRooms, 2))
	})
}

func newGateCluster(t *testing.T) *Cluster {
	t.Helper()
	presence := NewPresenceTracker("i1", PresenceOptions{Retention: time.Hour})
	rooms := NewRoomRegistry("i1")
	return NewCluster("i1", nil, presence, rooms, nil, ClusterOptions{ReconcileInterval: time.Minute})
}

func deliverSync(t *testing.T, c *Cluster, m syncMessage) {
	t.Helper()
	m.Instance = "i2"
	m.Epoch = 1
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	c.handleSync(context.Background(), payload)
}

func TestCluster_SnapshotOvertakenByDeltaIsSkipped(t *testing.T) {
	c := newGateCluster(t)
	// the peer read its membership at version 1, then bob's leave (version 2)
	// reached the bridge ahead of that snapshot
	deliverSync(t, c, syncMessage{Kind: kindRoom, Version: 1, Room: "forum_1", Conn: "c1", User: "bob", Joined: true})
	deliverSync(t, c, syncMessage{Kind: kindRoom, Version: 2, Room: "forum_1", Conn: "c1", User: "bob"})
	deliverSync(t, c, syncMessage{Kind: kindRoomSnapshot, Version: 1, Rooms: map[domain.RoomID]map[domain.ConnID]domain.UserID{
		"forum_1": {"c1": "bob"},
	}})
	assert.Empty(t, c.rooms.Members("forum_1"))
	assert.False(t, c.rooms.Exists("forum_1"))

	deliverSync(t, c, syncMessage{Kind: kindRoomSnapshot, Version: 2})
	assert.False(t, c.rooms.Exists("forum_1"))
}

func TestCluster_SnapshotIsNotCountedTwice(t *testing.T) {
	c := newGateCluster(t)
	// the snapshot already includes alice's connect (version 3), whose delta
	// arrives after it
	deliverSync(t, c, syncMessage{Kind: kindPresenceSnapshot, Version: 3, Counts: map[domain.UserID]int{"alice": 1}})
	deliverSync(t, c, syncMessage{Kind: kindPresence, Version: 3, User: "alice", Delta: 1})
	deliverSync(t, c, syncMessage{Kind: kindPresence, Version: 4, User: "alice", Delta: -1})

	assert.False(t, c.presence.Get("alice").Online, "one connect and one disconnect leave alice offline")
}

func TestCluster_RestartedPeerStateIsReplaced(t *testing.T) {
	c := newGateCluster(t)
	deliverSync(t, c, syncMessage{Kind: kindPresence, Version: 9, User: "alice", Delta: 1})
	require.True(t, c.presence.Get("alice").Online)

	payload, err := json.Marshal(syncMessage{Kind: kindHello, Instance: "i2", Epoch: 2})
	require.NoError(t, err)
	c.handleSync(context.Background(), payload)
	assert.False(t, c.presence.Get("alice").Online)
}
