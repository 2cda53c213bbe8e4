package apptest

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/bridge"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/stretchr/testify/require"
)

// Options returns timings short enough for tests. The idle sweeper is off.
func Options() app.Options {
	return app.Options{
		TypingTTL:         200 * time.Millisecond,
		Retention:         time.Hour,
		SweepInterval:     50 * time.Millisecond,
		SendTimeout:       100 * time.Millisecond,
		DedupWindow:       10 * time.Second,
		ReconcileInterval: 200 * time.Millisecond,
		PeerTimeout:       600 * time.Millisecond,
	}
}

// Node is one started instance attached to a shared hub.
type Node struct {
	*app.Service
	Bridge *bridge.Resilient
}

func StartNode(t testing.TB, hub *bridge.Hub, opts app.Options) *Node {
	t.Helper()
	br := bridge.NewResilient(hub.Backend(), bridge.Options{
		BackoffBase:   20 * time.Millisecond,
		BackoffCap:    100 * time.Millisecond,
		BackoffJitter: 0.2,
		PingInterval:  25 * time.Millisecond,
		CallTimeout:   time.Second,
	})
	br.Start()

	svc := app.NewService(opts, br)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = br.Close()
	})
	return &Node{Service: svc, Bridge: br}
}

// StartCluster starts n nodes on one hub and waits until they all see each other.
func StartCluster(t testing.TB, n int, opts app.Options) (*bridge.Hub, []*Node) {
	t.Helper()
	hub := bridge.NewHub()
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = StartNode(t, hub, opts)
	}
	require.Eventually(t, func() bool {
		for _, nd := range nodes {
			if len(nd.Peers()) != n-1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "nodes never discovered each other")
	return hub, nodes
}

// Connect registers a fake transport, authenticated as user unless user is empty.
func Connect(t testing.TB, svc *app.Service, user domain.UserID) *Transport {
	t.Helper()
	tr := NewTransport()
	id, err := svc.Conns.Register(tr)
	require.NoError(t, err)
	if user != "" {
		require.NoError(t, svc.Conns.Authenticate(id, user))
	}
	return tr
}

// Join puts the transport's connection in room the same way the router does.
func Join(t testing.TB, svc *app.Service, tr *Transport, room domain.RoomID) {
	t.Helper()
	c, ok := svc.Conns.Get(tr.ID())
	require.True(t, ok)
	require.NoError(t, svc.Rooms.Join(room, tr.ID(), c.User()))
	require.NoError(t, svc.Conns.AddRoom(tr.ID(), room))
}
