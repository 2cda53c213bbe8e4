package app_test

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/apptest"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRegistry_Register(t *testing.T) {
	r := app.NewConnectionRegistry(time.Minute)
	tr := apptest.NewTransport()

	id, err := r.Register(tr)
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), id)
	assert.Equal(t, 1, r.Count())

	_, err = r.Register(apptest.NewTransportWithID(id))
	assert.ErrorIs(t, err, domain.ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
}

func TestConnectionRegistry_Authenticate(t *testing.T) {
	r := app.NewConnectionRegistry(time.Minute)
	var attached []domain.UserID
	r.OnAuthenticate(func(c *app.Connection) { attached = append(attached, c.User()) })

	tr := apptest.NewTransport()
	id, err := r.Register(tr)
	require.NoError(t, err)

	require.NoError(t, r.Authenticate(id, "alice"))
	require.NoError(t, r.Authenticate(id, "alice"), "same user is idempotent")
	assert.ErrorIs(t, r.Authenticate(id, "bob"), domain.ErrAlreadyAuthenticated)
	assert.Equal(t, []domain.UserID{"alice"}, attached, "hook fires once")

	conns := r.ConnectionsOf("alice")
	require.Len(t, conns, 1)
	assert.Equal(t, id, conns[0].ID)

	assert.ErrorIs(t, r.Authenticate("missing", "alice"), domain.ErrConnectionNotFound)
}

func TestConnectionRegistry_DeregisterRunsHooksOnce(t *testing.T) {
	r := app.NewConnectionRegistry(time.Minute)
	var (
		mu    sync.Mutex
		calls int
		rooms []domain.RoomID
	)
	r.OnDeregister(func(c *app.Connection) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		rooms = c.Rooms()
	})

	tr := apptest.NewTransport()
	id, _ := r.Register(tr)
	require.NoError(t, r.Authenticate(id, "alice"))
	require.NoError(t, r.AddRoom(id, "forum_1"))
	require.NoError(t, r.AddRoom(id, "forum_2"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Deregister(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, []domain.RoomID{"forum_1", "forum_2"}, rooms)
	assert.Empty(t, r.ConnectionsOf("alice"))
	assert.Equal(t, 0, r.Count())

	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, r.AddRoom(id, "forum_3"), domain.ErrConnectionNotFound)
}

func TestConnectionRegistry_SweepIdle(t *testing.T) {
	r := app.NewConnectionRegistry(80 * time.Millisecond)
	idle := apptest.NewTransport()
	busy := apptest.NewTransport()
	idleID, _ := r.Register(idle)
	busyID, _ := r.Register(busy)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, r.Heartbeat(busyID))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, r.SweepIdle())
	closed, code := idle.Closed()
	assert.True(t, closed)
	assert.Equal(t, domain.CodeIdleTimeout, code)

	_, ok := r.Get(idleID)
	assert.False(t, ok)
	_, ok = r.Get(busyID)
	assert.True(t, ok)
}
