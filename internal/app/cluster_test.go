package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/apptest"
	"github.com/dkeye/Pulse/internal/bridge"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCluster_CrossInstanceDeliveryExactlyOnce(t *testing.T) {
	_, nodes := apptest.StartCluster(t, 2, apptest.Options())
	a, b := nodes[0], nodes[1]
	room := domain.ForumRoom("42")

	alice := apptest.Connect(t, a.Service, "alice")
	bob := apptest.Connect(t, b.Service, "bob")
	apptest.Join(t, a.Service, alice, room)
	apptest.Join(t, b.Service, bob, room)

	env := domain.Envelope{Type: domain.EventPostUpdate, User: "alice", Payload: json.RawMessage(`{"post_id":1}`)}.Skipping(alice.ID())
	_, err := a.Dispatcher.PublishToRoom(context.Background(), room, env)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(bob.Envelopes(domain.EventPostUpdate)) == 1
	}, 200*time.Millisecond, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	got := bob.Envelopes(domain.EventPostUpdate)
	require.Len(t, got, 1)
	assert.Equal(t, a.Instance, got[0].Origin)
	assert.Equal(t, room, got[0].Room)
	assert.Empty(t, alice.Envelopes(domain.EventPostUpdate))
}

func TestCluster_MembershipAndPresenceConverge(t *testing.T) {
	_, nodes := apptest.StartCluster(t, 3, apptest.Options())
	a, b := nodes[0], nodes[1]

	bob := apptest.Connect(t, b.Service, "bob")
	apptest.Join(t, b.Service, bob, "forum_7")

	for _, nd := range nodes {
		assert.Eventually(t, func() bool {
			members, _ := nd.Members("forum_7")
			return assert.ObjectsAreEqual([]domain.UserID{"bob"}, members) &&
				assert.ObjectsAreEqual([]domain.UserID{"bob"}, nd.OnlineUsers())
		}, time.Second, 10*time.Millisecond)
	}

	b.Presence.OnTyping("bob", "forum_7")
	assert.Eventually(t, func() bool {
		return len(a.Presence.Get("bob").TypingRooms) == 1
	}, time.Second, 10*time.Millisecond)

	b.Conns.Deregister(bob.ID())
	for _, nd := range nodes {
		assert.Eventually(t, func() bool {
			members, _ := nd.Members("forum_7")
			return len(members) == 0 && len(nd.OnlineUsers()) == 0
		}, time.Second, 10*time.Millisecond)
	}
	p, err := a.UserPresence(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())
}

func TestCluster_BridgeOutageKeepsLocalDelivery(t *testing.T) {
	hub, nodes := apptest.StartCluster(t, 2, apptest.Options())
	a, b := nodes[0], nodes[1]

	alice := apptest.Connect(t, a.Service, "alice")
	carol := apptest.Connect(t, a.Service, "carol")
	bob := apptest.Connect(t, b.Service, "bob")
	for _, pair := range []struct {
		n  *apptest.Node
		tr *apptest.Transport
	}{{a, alice}, {a, carol}, {b, bob}} {
		apptest.Join(t, pair.n.Service, pair.tr, "forum_9")
	}

	hub.SetDown(true)
	require.Eventually(t, func() bool {
		return a.BridgeDegraded() && b.BridgeDegraded()
	}, time.Second, 5*time.Millisecond)

	env := domain.Envelope{Type: domain.EventPostUpdate}.Skipping(alice.ID())
	res, err := a.Dispatcher.PublishToRoom(context.Background(), "forum_9", env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SendTo)
	assert.Len(t, carol.Envelopes(domain.EventPostUpdate), 1)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, bob.Envelopes(domain.EventPostUpdate))

	hub.SetDown(false)
	require.Eventually(t, func() bool {
		return !a.BridgeDegraded() && !b.BridgeDegraded()
	}, 2*time.Second, 10*time.Millisecond)

	_, err = a.PublishDomainEvent(context.Background(), "forum_9", domain.EventPostUpdate, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(bob.Envelopes(domain.EventPostUpdate)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		members, _ := a.Members("forum_9")
		return len(members) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestCluster_SilentPeerExpires(t *testing.T) {
	opts := apptest.Options()
	hub, nodes := apptest.StartCluster(t, 1, opts)
	a := nodes[0]

	br := bridge.NewResilient(hub.Backend(), bridge.Options{PingInterval: 25 * time.Millisecond})
	br.Start()
	c := app.NewService(opts, br)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(cancel)

	carol := apptest.Connect(t, c, "carol")
	apptest.Join(t, c, carol, "forum_3")
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(a.OnlineUsers()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, br.Close())

	assert.Eventually(t, func() bool {
		members, _ := a.Members("forum_3")
		return len(a.Peers()) == 0 && len(a.OnlineUsers()) == 0 && len(members) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCluster_LastSeenFromSharedStore(t *testing.T) {
	opts := apptest.Options()
	hub, nodes := apptest.StartCluster(t, 1, opts)
	a := nodes[0]

	tr := apptest.Connect(t, a.Service, "dave")
	a.Conns.Deregister(tr.ID())

	late := apptest.StartNode(t, hub, opts)
	assert.Eventually(t, func() bool {
		p, err := late.UserPresence(context.Background(), "dave")
		return err == nil && !p.Online && !p.LastSeen.IsZero()
	}, time.Second, 10*time.Millisecond)

	p, err := late.UserPresence(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, p.LastSeen.IsZero())
}

func TestCluster_StalledRoomDoesNotSwallowAnotherRoomsRelay(t *testing.T) {
	_, nodes := apptest.StartCluster(t, 2, apptest.Options())
	a, b := nodes[0], nodes[1]

	stalled := apptest.Connect(t, a.Service, "mallory")
	apptest.Join(t, a.Service, stalled, "forum_slow")
	stalled.Block(true)

	bob := apptest.Connect(t, b.Service, "bob")
	apptest.Join(t, b.Service, bob, "forum_slow")
	apptest.Join(t, b.Service, bob, "forum_fast")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.PublishDomainEvent(context.Background(), "forum_slow", domain.EventPostUpdate, json.RawMessage(`{"room":"slow"}`))
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := a.PublishDomainEvent(context.Background(), "forum_fast", domain.EventPostUpdate, json.RawMessage(`{"room":"fast"}`))
	require.NoError(t, err)
	<-done

	assert.Eventually(t, func() bool {
		return len(bob.Envelopes(domain.EventPostUpdate)) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	rooms := map[domain.RoomID]int{}
	for _, env := range bob.Envelopes(domain.EventPostUpdate) {
		rooms[env.Room]++
	}
	assert.Equal(t, map[domain.RoomID]int{"forum_slow": 1, "forum_fast": 1}, rooms)
}

func TestCluster_ConcurrentRoomsEachArriveOnce(t *testing.T) {
	_, nodes := apptest.StartCluster(t, 2, apptest.Options())
	a, b := nodes[0], nodes[1]

	const n = 32
	bob := apptest.Connect(t, b.Service, "bob")
	for i := range n {
		apptest.Join(t, b.Service, bob, domain.ForumRoom(fmt.Sprint(i)))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.PublishDomainEvent(context.Background(), domain.ForumRoom(fmt.Sprint(i)), domain.EventPostUpdate, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return len(bob.Envelopes(domain.EventPostUpdate)) == n
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	seen := map[domain.RoomID]bool{}
	for _, env := range bob.Envelopes(domain.EventPostUpdate) {
		assert.False(t, seen[env.Room], "room %s delivered twice", env.Room)
		seen[env.Room] = true
	}
	assert.Len(t, seen, n)
}

func TestCluster_ChangesDuringOutageConvergeAfterRecovery(t *testing.T) {
	hub, nodes := apptest.StartCluster(t, 2, apptest.Options())
	a, b := nodes[0], nodes[1]

	dave := apptest.Connect(t, b.Service, "dave")
	apptest.Join(t, b.Service, dave, "forum_5")
	require.Eventually(t, func() bool {
		members, _ := a.Members("forum_5")
		return assert.ObjectsAreEqual([]domain.UserID{"dave"}, members)
	}, time.Second, 10*time.Millisecond)

	hub.SetDown(true)
	require.Eventually(t, func() bool {
		return a.BridgeDegraded() && b.BridgeDegraded()
	}, time.Second, 5*time.Millisecond)

	// neither change can reach a while the bridge is down
	carol := apptest.Connect(t, b.Service, "carol")
	apptest.Join(t, b.Service, carol, "forum_5")
	b.Conns.Deregister(dave.ID())
	time.Sleep(50 * time.Millisecond)
	members, _ := a.Members("forum_5")
	assert.Equal(t, []domain.UserID{"dave"}, members)

	hub.SetDown(false)
	assert.Eventually(t, func() bool {
		members, _ := a.Members("forum_5")
		return assert.ObjectsAreEqual([]domain.UserID{"carol"}, members) &&
			assert.ObjectsAreEqual([]domain.UserID{"carol"}, a.OnlineUsers())
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Presence.Get("dave").Online)
}

func TestCluster_IdleDropReachesPeers(t *testing.T) {
	opts := apptest.Options()
	opts.IdleTimeout = 300 * time.Millisecond
	_, nodes := apptest.StartCluster(t, 2, opts)
	a, b := nodes[0], nodes[1]

	// bob never sends a frame or answers a ping after joining
	bob := apptest.Connect(t, b.Service, "bob")
	apptest.Join(t, b.Service, bob, "forum_8")
	require.Eventually(t, func() bool {
		members, _ := a.Members("forum_8")
		return len(members) == 1
	}, 200*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		closed, _ := bob.Closed()
		return closed
	}, 2*time.Second, 10*time.Millisecond)
	_, code := bob.Closed()
	assert.Equal(t, domain.CodeIdleTimeout, code)
	assert.False(t, b.Rooms.Exists("forum_8"))

	assert.Eventually(t, func() bool {
		members, _ := a.Members("forum_8")
		return len(members) == 0 && !a.Presence.Get("bob").Online
	}, time.Second, 10*time.Millisecond)
	p, err := a.UserPresence(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())
}
