package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/roomlink/client/network"
	"github.com/cbodonnell/roomlink/client/session"
	"github.com/cbodonnell/roomlink/pkg/messages"
	"github.com/cbodonnell/roomlink/pkg/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport implements Transport with scripted call handlers and
// manually pushed events.
type fakeTransport struct {
	lock    sync.Mutex
	connID  string
	events  []network.Event
	notify  chan struct{}
	handler func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error)
	calls   []messages.MessageType
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connID: "conn-1",
		notify: make(chan struct{}, 1),
	}
}

func (t *fakeTransport) ConnectionID() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connID
}

func (t *fakeTransport) Connected() bool {
	return t.ConnectionID() != ""
}

func (t *fakeTransport) Call(ctx context.Context, msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
	t.lock.Lock()
	t.calls = append(t.calls, msgType)
	handler := t.handler
	t.lock.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler for %s", msgType)
	}
	return handler(msgType, payload)
}

func (t *fakeTransport) Notify() <-chan struct{} {
	return t.notify
}

func (t *fakeTransport) DrainEvents() []network.Event {
	t.lock.Lock()
	defer t.lock.Unlock()
	events := t.events
	t.events = nil
	return events
}

func (t *fakeTransport) setHandler(handler func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handler = handler
}

func (t *fakeTransport) callCount(msgType messages.MessageType) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	count := 0
	for _, call := range t.calls {
		if call == msgType {
			count++
		}
	}
	return count
}

func (t *fakeTransport) push(events ...network.Event) {
	t.lock.Lock()
	t.events = append(t.events, events...)
	t.lock.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *fakeTransport) reconnectAs(connID string) {
	t.lock.Lock()
	oldID := t.connID
	t.connID = connID
	t.lock.Unlock()
	t.push(
		network.Event{Type: network.EventTypeDisconnected, ConnectionID: oldID},
		network.Event{Type: network.EventTypeConnected, ConnectionID: connID},
	)
}

func (t *fakeTransport) pushServerMessage(msgType messages.MessageType, payload interface{}) {
	raw, _ := json.Marshal(payload)
	t.push(network.Event{
		Type:         network.EventTypeServerMessage,
		ConnectionID: t.ConnectionID(),
		Message:      &messages.Message{Type: msgType, Payload: raw},
	})
}

func createRoomResult() *messages.CreateRoomResult {
	return &messages.CreateRoomResult{
		RoomID:       "room-1",
		RoomCode:     "ABC123",
		PlayerID:     "p1",
		SessionToken: "tok-1",
		Players:      []rooms.Player{{ID: "p1", Name: "Host Player"}},
		StateVersion: 1,
		IsHost:       true,
	}
}

func rejoinResult() *messages.RejoinRoomResult {
	return &messages.RejoinRoomResult{
		RoomID:       "room-1",
		RoomCode:     "ABC123",
		PlayerID:     "p1",
		Players:      []rooms.Player{{ID: "p1", Name: "Host Player"}},
		StateVersion: 1,
		IsHost:       true,
	}
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestClient(t *testing.T, transport Transport, store session.Store) *Client {
	t.Helper()
	c := NewClient(NewClientOptions{
		Transport: transport,
		Store:     store,
		ShareURL:  "https://game.example/play?theme=dark",
	})
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, c *Client, cond func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		state := c.State()
		if cond(state) {
			return state
		}
		select {
		case <-c.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for state, last state: %+v", state)
		}
	}
}

func TestClient_CreateRoomEstablishesSession(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		require.Equal(t, messages.MessageTypeClientCreateRoom, msgType)
		return marshal(t, createRoomResult()), nil
	})

	c := newTestClient(t, transport, store)
	view, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)

	assert.Equal(t, "ABC123", view.RoomCode)
	assert.Equal(t, "p1", view.SelfPlayerID)
	assert.True(t, view.IsHost)

	rec, err := store.Read(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.SessionToken)
	assert.Equal(t, "p1", rec.PlayerID)

	state := c.State()
	assert.Equal(t, session.BindStateBound, state.BindState)
	assert.Contains(t, state.ShareURL, "room=ABC123")
	assert.Contains(t, state.ShareURL, "name=Host+Player")
	assert.Contains(t, state.ShareURL, "theme=dark")
}

func TestClient_ResumeBindsFromStore(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		require.Equal(t, messages.MessageTypeClientRejoinRoom, msgType)
		rejoin, ok := payload.(messages.ClientRejoinRoom)
		require.True(t, ok)
		assert.Equal(t, "ABC123", rejoin.RoomCode)
		assert.Equal(t, "tok-1", rejoin.SessionToken)
		return marshal(t, rejoinResult()), nil
	})

	c := newTestClient(t, transport, store)
	require.NoError(t, c.Resume(context.Background(), "abc123"))

	state := c.State()
	assert.Equal(t, session.BindStateBound, state.BindState)
	assert.Equal(t, "ABC123", state.Room.RoomCode)
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientRejoinRoom))
}

func TestClient_ResumeWithoutRecord(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), session.NewMemoryStore())
	err := c.Resume(context.Background(), "NOPE99")
	assert.Error(t, err)
}

func TestClient_BindIdempotence(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		return nil, &network.ErrServerRejected{Reason: "server busy"}
	})

	c := newTestClient(t, transport, store)
	err := c.Resume(context.Background(), "ABC123")
	require.Error(t, err)

	// Rapid trigger re-evaluation on the same connection identity must
	// not re-fire the failed attempt.
	for i := 0; i < 5; i++ {
		transport.push(network.Event{Type: network.EventTypeConnected, ConnectionID: "conn-1"})
	}
	waitFor(t, c, func(s State) bool { return s.Status == "server busy" })
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientRejoinRoom))

	// The stored session survives a transient failure.
	_, err = store.Read(context.Background(), "ABC123")
	assert.NoError(t, err)
}

func TestClient_RebindOnIdentityChange(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		switch msgType {
		case messages.MessageTypeClientCreateRoom:
			return marshal(t, createRoomResult()), nil
		case messages.MessageTypeClientRejoinRoom:
			return marshal(t, rejoinResult()), nil
		default:
			return nil, fmt.Errorf("unexpected call %s", msgType)
		}
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)
	assert.Equal(t, 0, transport.callCount(messages.MessageTypeClientRejoinRoom))

	// The transport reconnects under a new ephemeral identity; exactly
	// one rebind fires.
	transport.reconnectAs("conn-2")
	waitFor(t, c, func(s State) bool {
		return s.BindState == session.BindStateBound && transport.callCount(messages.MessageTypeClientRejoinRoom) > 0
	})
	transport.push(network.Event{Type: network.EventTypeConnected, ConnectionID: "conn-2"})
	waitFor(t, c, func(s State) bool { return s.BindState == session.BindStateBound })
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientRejoinRoom))
}

func TestClient_TerminalBindFailure(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		return nil, &network.ErrServerRejected{Reason: "grace period expired"}
	})

	c := newTestClient(t, transport, store)
	err := c.Resume(context.Background(), "ABC123")
	require.Error(t, err)
	assert.True(t, session.IsTerminalSession(err))
	assert.Equal(t, session.SessionExpiredMessage, err.Error())

	// The persisted record is destroyed along with local session state.
	_, err = store.Read(context.Background(), "ABC123")
	assert.True(t, session.IsNotFound(err))

	state := c.State()
	assert.Nil(t, state.Session)
	assert.Equal(t, session.BindStateUnbound, state.BindState)
	assert.Equal(t, session.SessionExpiredMessage, state.Status)
	assert.Equal(t, "", state.Room.RoomCode)
}

func TestClient_TransientBindFailurePreservesSession(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		return nil, &network.ErrTimeout{Operation: msgType}
	})

	c := newTestClient(t, transport, store)
	err := c.Resume(context.Background(), "ABC123")
	require.Error(t, err)
	assert.False(t, session.IsTerminalSession(err))

	rec, err := store.Read(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.SessionToken)

	state := c.State()
	require.NotNil(t, state.Session)
	assert.Contains(t, state.Status, "timed out")
}

func TestClient_RebindCoalescing(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	release := make(chan struct{})
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		switch msgType {
		case messages.MessageTypeClientCreateRoom:
			return marshal(t, createRoomResult()), nil
		case messages.MessageTypeClientRejoinRoom:
			<-release
			return marshal(t, rejoinResult()), nil
		default:
			return nil, fmt.Errorf("unexpected call %s", msgType)
		}
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)
	transport.reconnectAs("conn-2")
	waitFor(t, c, func(s State) bool { return s.BindState == session.BindStateBinding })

	// Two concurrent manual rebinds share the pending result.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- c.Rebind(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-results)
	}
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientRejoinRoom))
}

func TestClient_SubmitActionRebindAndRetry(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	submits := 0
	var lock sync.Mutex
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		lock.Lock()
		defer lock.Unlock()
		switch msgType {
		case messages.MessageTypeClientCreateRoom:
			return marshal(t, createRoomResult()), nil
		case messages.MessageTypeClientRejoinRoom:
			return marshal(t, rejoinResult()), nil
		case messages.MessageTypeClientSubmitAction:
			submits++
			if submits == 1 {
				return nil, &network.ErrSessionUnbound{}
			}
			return marshal(t, messages.SubmitActionResult{StateVersion: 2}), nil
		default:
			return nil, fmt.Errorf("unexpected call %s", msgType)
		}
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)

	version, err := c.SubmitAction(context.Background(), 1, json.RawMessage(`{"move":"e4"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, 2, transport.callCount(messages.MessageTypeClientSubmitAction))
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientRejoinRoom))

	waitFor(t, c, func(s State) bool { return s.Room.StateVersion == 2 })
}

func TestClient_SubmitActionConflictNotRetried(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		switch msgType {
		case messages.MessageTypeClientCreateRoom:
			return marshal(t, createRoomResult()), nil
		case messages.MessageTypeClientSubmitAction:
			return nil, &network.ErrServerRejected{Reason: "version conflict: room is at version 5"}
		default:
			return nil, fmt.Errorf("unexpected call %s", msgType)
		}
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)

	_, err = c.SubmitAction(context.Background(), 1, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version conflict")
	assert.Equal(t, 1, transport.callCount(messages.MessageTypeClientSubmitAction))
	assert.Equal(t, 0, transport.callCount(messages.MessageTypeClientRejoinRoom))
}

func TestClient_SnapshotOrderingThroughLoop(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		return marshal(t, createRoomResult()), nil
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)

	newer := rooms.Snapshot{RoomCode: "ABC123", RoomID: "room-1", StateVersion: 3, Started: true,
		Players: []rooms.Player{{ID: "p1", Name: "Host Player"}}, HostPlayerID: "p1",
		Game: &rooms.GameState{ActivePlayerID: "p1"}}
	stale := newer
	stale.StateVersion = 2
	stale.Game = &rooms.GameState{ActivePlayerID: "p2"}

	// Delivered out of order: version 3, then a reordered version 2.
	transport.pushServerMessage(messages.MessageTypeServerRoomSnapshot, messages.ServerRoomSnapshot{Snapshot: newer})
	transport.pushServerMessage(messages.MessageTypeServerRoomSnapshot, messages.ServerRoomSnapshot{Snapshot: stale})

	state := waitFor(t, c, func(s State) bool { return s.Room.StateVersion == 3 })
	assert.True(t, state.Room.IsMyTurn)
}

func TestClient_LeaveRoomDestroysStateDespiteServerError(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		switch msgType {
		case messages.MessageTypeClientCreateRoom:
			return marshal(t, createRoomResult()), nil
		case messages.MessageTypeClientLeaveRoom:
			return nil, &network.ErrTimeout{Operation: msgType}
		default:
			return nil, fmt.Errorf("unexpected call %s", msgType)
		}
	})

	c := newTestClient(t, transport, store)
	_, err := c.CreateRoom(context.Background(), "Host Player")
	require.NoError(t, err)

	require.NoError(t, c.LeaveRoom(context.Background()))

	_, err = store.Read(context.Background(), "ABC123")
	assert.True(t, session.IsNotFound(err))
	state := c.State()
	assert.Nil(t, state.Session)
	assert.Equal(t, session.BindStateUnbound, state.BindState)
}

func TestClient_ReconnectDuringBindRetriesOnNewIdentity(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	release := make(chan struct{})
	var lock sync.Mutex
	rejoins := 0
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		require.Equal(t, messages.MessageTypeClientRejoinRoom, msgType)
		lock.Lock()
		rejoins++
		n := rejoins
		lock.Unlock()
		if n == 1 {
			<-release
			return nil, &network.ErrTimeout{Operation: msgType}
		}
		return marshal(t, rejoinResult()), nil
	})

	c := newTestClient(t, transport, store)
	resumeErr := make(chan error, 1)
	go func() {
		resumeErr <- c.Resume(context.Background(), "ABC123")
	}()
	waitFor(t, c, func(s State) bool { return s.BindState == session.BindStateBinding })

	// The transport reconnects under a new identity while the first
	// attempt is still in flight, then that attempt fails. The new
	// identity never got an attempt of its own and must get one now.
	transport.reconnectAs("conn-2")
	close(release)

	require.Error(t, <-resumeErr)
	waitFor(t, c, func(s State) bool { return s.BindState == session.BindStateBound })
	assert.Equal(t, 2, transport.callCount(messages.MessageTypeClientRejoinRoom))
}

func TestClient_RebindWithoutSession(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), session.NewMemoryStore())
	err := c.Rebind(context.Background())
	require.Error(t, err)
	assert.False(t, session.IsTerminalSession(err))
	assert.Contains(t, err.Error(), "no session")
}

func TestClient_ReconnectKeepsTerminalStatus(t *testing.T) {
	transport := newFakeTransport()
	store := session.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), session.Record{
		RoomCode: "ABC123", SessionToken: "tok-1", PlayerID: "p1",
	}))
	transport.setHandler(func(msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
		return nil, &network.ErrServerRejected{Reason: "grace period expired"}
	})

	c := newTestClient(t, transport, store)
	require.Error(t, c.Resume(context.Background(), "ABC123"))
	require.Equal(t, session.SessionExpiredMessage, c.State().Status)

	// A later reconnect cycle must not wipe the session-level message.
	transport.push(network.Event{Type: network.EventTypeConnected, ConnectionID: "conn-2"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, session.SessionExpiredMessage, c.State().Status)
}

func TestClient_DisconnectedStatusClearsOnReconnect(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, session.NewMemoryStore())

	transport.push(network.Event{Type: network.EventTypeDisconnected, ConnectionID: "conn-1"})
	waitFor(t, c, func(s State) bool { return s.Status == StatusDisconnected })

	// The same standing message is replaced, not appended.
	transport.push(network.Event{Type: network.EventTypeDisconnected, ConnectionID: "conn-1"})
	waitFor(t, c, func(s State) bool { return s.Status == StatusDisconnected })

	transport.push(network.Event{Type: network.EventTypeConnected, ConnectionID: "conn-2"})
	waitFor(t, c, func(s State) bool { return s.Status == "" })
}
