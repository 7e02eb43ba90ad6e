package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbodonnell/roomlink/client/network"
	"github.com/cbodonnell/roomlink/client/session"
	"github.com/cbodonnell/roomlink/pkg/rooms"
	"github.com/cbodonnell/roomlink/pkg/server"
)

func startRoomServer(t *testing.T) string {
	t.Helper()
	handler := server.NewWSHandler(server.NewWSHandlerOptions{
		GracePeriod: 30 * time.Second,
	})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startManagedClient(t *testing.T, serverURL string, store session.Store) (*Client, *network.Manager) {
	t.Helper()
	manager := network.NewManager(network.NewManagerOptions{
		ServerURL:     serverURL,
		CallTimeout:   2 * time.Second,
		ReconnectWait: 50 * time.Millisecond,
	})
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { manager.Stop() })

	c := NewClient(NewClientOptions{
		Transport: manager,
		Store:     store,
	})
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c, manager
}

func TestIntegration_CreateJoinPlay(t *testing.T) {
	serverURL := startRoomServer(t)
	alice, _ := startManagedClient(t, serverURL, session.NewMemoryStore())
	bob, _ := startManagedClient(t, serverURL, session.NewMemoryStore())

	ctx := context.Background()
	view, err := alice.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.True(t, view.IsHost)

	_, err = bob.JoinRoom(ctx, strings.ToLower(view.RoomCode), "Bob")
	require.NoError(t, err)

	// Alice hears about Bob through the roster push.
	waitFor(t, alice, func(s State) bool { return len(s.Room.Players) == 2 })

	_, err = alice.StartGame(ctx)
	require.NoError(t, err)

	// Bob learns the game started and that it is Alice's turn.
	bobState := waitFor(t, bob, func(s State) bool { return s.Room.Started })
	assert.False(t, bobState.Room.IsMyTurn)

	aliceState := waitFor(t, alice, func(s State) bool { return s.Room.IsMyTurn })
	_, err = alice.SubmitAction(ctx, aliceState.Room.StateVersion, json.RawMessage(`{"move":"e4"}`))
	require.NoError(t, err)

	// The turn passes to Bob via the snapshot broadcast.
	bobState = waitFor(t, bob, func(s State) bool { return s.Room.IsMyTurn })
	_, err = bob.SubmitAction(ctx, bobState.Room.StateVersion, json.RawMessage(`{"move":"e5"}`))
	require.NoError(t, err)

	waitFor(t, alice, func(s State) bool { return s.Room.IsMyTurn })
}

func TestIntegration_StaleVersionRejected(t *testing.T) {
	serverURL := startRoomServer(t)
	alice, _ := startManagedClient(t, serverURL, session.NewMemoryStore())

	ctx := context.Background()
	_, err := alice.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	_, err = alice.StartGame(ctx)
	require.NoError(t, err)

	state := waitFor(t, alice, func(s State) bool { return s.Room.IsMyTurn })
	_, err = alice.SubmitAction(ctx, state.Room.StateVersion-1, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version conflict")

	// A sync repairs the client's version and the action goes through.
	version, err := alice.RequestSync(ctx)
	require.NoError(t, err)
	_, err = alice.SubmitAction(ctx, version, json.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestIntegration_ResumeAfterReload(t *testing.T) {
	serverURL := startRoomServer(t)
	store := session.NewMemoryStore()

	alice, aliceManager := startManagedClient(t, serverURL, store)
	bob, _ := startManagedClient(t, serverURL, session.NewMemoryStore())

	ctx := context.Background()
	view, err := alice.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, view.RoomCode, "Bob")
	require.NoError(t, err)
	waitFor(t, alice, func(s State) bool { return len(s.Room.Players) == 2 })

	// The page goes away: the client and its connection are torn down,
	// only the session store survives.
	alice.Close()
	require.NoError(t, aliceManager.Stop())

	// Bob sees Alice drop into her grace period.
	waitFor(t, bob, func(s State) bool {
		for _, p := range s.Room.Presence {
			if p.Status == rooms.PresenceStatusReconnecting {
				return true
			}
		}
		return false
	})

	// The reloaded page resumes from the stored session.
	alice2, _ := startManagedClient(t, serverURL, store)
	require.NoError(t, alice2.Resume(ctx, view.RoomCode))

	state := alice2.State()
	assert.Equal(t, session.BindStateBound, state.BindState)
	assert.Equal(t, view.RoomCode, state.Room.RoomCode)
	assert.Equal(t, view.SelfPlayerID, state.Room.SelfPlayerID)
	assert.True(t, state.Room.IsHost)

	// Bob sees Alice come back.
	waitFor(t, bob, func(s State) bool {
		for _, p := range s.Room.Presence {
			if p.Status != rooms.PresenceStatusConnected {
				return false
			}
		}
		return len(s.Room.Presence) > 0
	})
}

func TestIntegration_ResumeWithDeadTokenExpiresSession(t *testing.T) {
	serverURL := startRoomServer(t)
	store := session.NewMemoryStore()
	alice, _ := startManagedClient(t, serverURL, store)

	ctx := context.Background()
	view, err := alice.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	// A stale record from a previous life of the room.
	require.NoError(t, store.Write(ctx, session.Record{
		RoomCode:     view.RoomCode,
		SessionToken: "dead-token",
		PlayerID:     view.SelfPlayerID,
	}))

	bystander, _ := startManagedClient(t, serverURL, store)
	err = bystander.Resume(ctx, view.RoomCode)
	require.Error(t, err)
	assert.True(t, session.IsTerminalSession(err))
	assert.Equal(t, session.SessionExpiredMessage, err.Error())

	// The dead record was purged.
	_, err = store.Read(ctx, view.RoomCode)
	assert.True(t, session.IsNotFound(err))
}
