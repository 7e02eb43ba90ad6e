package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/roomlink/client/network"
	"github.com/cbodonnell/roomlink/client/room"
	"github.com/cbodonnell/roomlink/client/session"
	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
)

const (
	// StatusDisconnected is the standing status message while the
	// transport is down. It replaces any previous identical message and
	// clears once connectivity is restored.
	StatusDisconnected = "Connection to server lost, reconnecting"

	// storeTimeout bounds session store operations issued from the event
	// loop.
	storeTimeout = 5 * time.Second
)

// Transport is the connection the client talks through. It provides a
// timeout-bounded call-and-response primitive and an ordered feed of
// connection and server events. *network.Manager implements it.
type Transport interface {
	ConnectionID() string
	Connected() bool
	Call(ctx context.Context, msgType messages.MessageType, payload interface{}) (json.RawMessage, error)
	Notify() <-chan struct{}
	DrainEvents() []network.Event
}

// State is a copy of the client's reactive state handed out to callers.
type State struct {
	Room      room.View
	Session   *session.Record
	BindState session.BindState
	Status    string
	ShareURL  string
}

// Client is the identity and consistency layer for one room. All mutable
// state is owned by a single event-loop goroutine; public methods suspend
// only at the request/acknowledge boundary and hand results to the loop.
type Client struct {
	transport Transport
	store     session.Store

	inbox   chan loopMsg
	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	// Everything below is owned by the event loop.
	binder      *session.Binder
	reconciler  *room.Reconciler
	current     *session.Record
	displayName string
	status      string
	shareURL    string
}

type NewClientOptions struct {
	Transport Transport
	Store     session.Store
	// ShareURL is the current shareable address, if any. It is updated
	// with the canonical room code after every successful bind.
	ShareURL string
}

// NewClient creates a new client. The transport should already be started;
// events buffered before Start are processed once the loop runs.
func NewClient(opts NewClientOptions) *Client {
	return &Client{
		transport:  opts.Transport,
		store:      opts.Store,
		inbox:      make(chan loopMsg, 64),
		updates:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		binder:     session.NewBinder(),
		reconciler: room.NewReconciler(),
		shareURL:   opts.ShareURL,
	}
}

// Start runs the event loop until the context is done or Close is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Close stops the event loop.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
}

// Updates returns a channel that receives a signal whenever the reactive
// state changes. Consumers re-read State() after each signal.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

// State returns a copy of the current reactive state.
func (c *Client) State() State {
	reply := make(chan State, 1)
	select {
	case c.inbox <- getStateMsg{reply: reply}:
		return <-reply
	case <-c.done:
		return State{}
	}
}

// CreateRoom creates a new room with this player as host. On success the
// session is persisted and the client is bound on the current connection.
func (c *Client) CreateRoom(ctx context.Context, playerName string) (room.View, error) {
	connID := c.transport.ConnectionID()
	raw, err := c.transport.Call(ctx, messages.MessageTypeClientCreateRoom, messages.ClientCreateRoom{
		PlayerName: playerName,
	})
	if err != nil {
		return room.View{}, err
	}
	result := &messages.CreateRoomResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return room.View{}, fmt.Errorf("failed to unmarshal create-room result: %v", err)
	}
	return c.adoptSession(ctx, result, playerName, connID)
}

// JoinRoom joins an existing room by code.
func (c *Client) JoinRoom(ctx context.Context, roomCode, playerName string) (room.View, error) {
	connID := c.transport.ConnectionID()
	raw, err := c.transport.Call(ctx, messages.MessageTypeClientJoinRoom, messages.ClientJoinRoom{
		RoomCode:   roomCode,
		PlayerName: playerName,
	})
	if err != nil {
		return room.View{}, err
	}
	result := &messages.JoinRoomResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return room.View{}, fmt.Errorf("failed to unmarshal join-room result: %v", err)
	}
	return c.adoptSession(ctx, result, playerName, connID)
}

func (c *Client) adoptSession(ctx context.Context, result *messages.CreateRoomResult, playerName, connID string) (room.View, error) {
	reply := make(chan error, 1)
	select {
	case c.inbox <- adoptSessionMsg{result: result, displayName: playerName, connID: connID, reply: reply}:
	case <-ctx.Done():
		return room.View{}, ctx.Err()
	}
	if err := <-reply; err != nil {
		return room.View{}, err
	}
	return c.State().Room, nil
}

// Resume loads the persisted session for a room and binds it to the
// current connection. This is the page-reload path: a room code discovered
// in the shareable address plus a matching stored record binds without any
// fresh credentials.
func (c *Client) Resume(ctx context.Context, roomCode string) error {
	rec, err := c.store.Read(ctx, roomCode)
	if err != nil {
		if session.IsNotFound(err) {
			return fmt.Errorf("no stored session for room %s", roomCode)
		}
		return fmt.Errorf("failed to read stored session: %v", err)
	}

	reply := make(chan error, 1)
	select {
	case c.inbox <- resumeMsg{rec: *rec, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rebind re-associates the current session with the current connection
// identity, even if the client believes it is already bound; the server
// is the authority on whether a binding exists. Concurrent callers
// coalesce onto one outstanding network rebind.
func (c *Client) Rebind(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- rebindMsg{force: true, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartGame asks the server to start the game. Host only.
func (c *Client) StartGame(ctx context.Context) (int64, error) {
	rec, err := c.sessionRecord()
	if err != nil {
		return 0, err
	}
	raw, err := c.transport.Call(ctx, messages.MessageTypeClientStartGame, messages.ClientStartGame{
		RoomCode:     rec.RoomCode,
		SessionToken: rec.SessionToken,
	})
	if err != nil {
		return 0, err
	}
	result := &messages.StartGameResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal start-game result: %v", err)
	}
	c.postRaiseVersion(result.StateVersion)
	return result.StateVersion, nil
}

// UpdatePlayerColor sets this player's color.
func (c *Client) UpdatePlayerColor(ctx context.Context, color string) error {
	rec, err := c.sessionRecord()
	if err != nil {
		return err
	}
	_, err = c.transport.Call(ctx, messages.MessageTypeClientUpdatePlayerColor, messages.ClientUpdatePlayerColor{
		RoomCode:     rec.RoomCode,
		SessionToken: rec.SessionToken,
		Color:        color,
	})
	return err
}

// SubmitAction submits an action tagged with the version the caller
// believes is current. If the server reports the session unbound, exactly
// one rebind is performed and the action retried exactly once; every other
// failure propagates unchanged. Version conflicts are not retried here;
// callers RequestSync and re-evaluate before resubmitting.
func (c *Client) SubmitAction(ctx context.Context, baseVersion int64, action json.RawMessage) (int64, error) {
	raw, err := c.callWithRebind(ctx, func(rec session.Record) (json.RawMessage, error) {
		return c.transport.Call(ctx, messages.MessageTypeClientSubmitAction, messages.ClientSubmitAction{
			RoomCode:     rec.RoomCode,
			SessionToken: rec.SessionToken,
			BaseVersion:  baseVersion,
			Action:       action,
		})
	})
	if err != nil {
		return 0, err
	}
	result := &messages.SubmitActionResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal submit-action result: %v", err)
	}
	c.postRaiseVersion(result.StateVersion)
	return result.StateVersion, nil
}

// RequestSync asks the server for a fresh snapshot. It applies the same
// one-shot rebind-and-retry policy as SubmitAction.
func (c *Client) RequestSync(ctx context.Context) (int64, error) {
	raw, err := c.callWithRebind(ctx, func(rec session.Record) (json.RawMessage, error) {
		return c.transport.Call(ctx, messages.MessageTypeClientRequestSync, messages.ClientRequestSync{
			RoomCode:     rec.RoomCode,
			SessionToken: rec.SessionToken,
		})
	})
	if err != nil {
		return 0, err
	}
	result := &messages.RequestSyncResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal request-sync result: %v", err)
	}
	c.postRaiseVersion(result.StateVersion)
	return result.StateVersion, nil
}

// callWithRebind performs one call, and on the unbound-session failure
// class performs exactly one coalesced rebind and one retry.
func (c *Client) callWithRebind(ctx context.Context, call func(rec session.Record) (json.RawMessage, error)) (json.RawMessage, error) {
	rec, err := c.sessionRecord()
	if err != nil {
		return nil, err
	}
	raw, err := call(rec)
	if err == nil || !network.IsSessionUnbound(err) {
		return raw, err
	}

	log.Debug("Session not bound to this connection, rebinding once")
	if err := c.Rebind(ctx); err != nil {
		return nil, err
	}
	rec, err = c.sessionRecord()
	if err != nil {
		return nil, err
	}
	return call(rec)
}

// LeaveRoom gives up the seat and destroys the session. A rejection from
// the server is logged, not surfaced; the local state is destroyed either
// way.
func (c *Client) LeaveRoom(ctx context.Context) error {
	rec, err := c.sessionRecord()
	if err != nil {
		return err
	}
	if _, err := c.transport.Call(ctx, messages.MessageTypeClientLeaveRoom, messages.ClientLeaveRoom{
		RoomCode:     rec.RoomCode,
		SessionToken: rec.SessionToken,
	}); err != nil {
		log.Warn("Failed to leave room %s: %v", rec.RoomCode, err)
	}

	reply := make(chan error, 1)
	select {
	case c.inbox <- leaveMsg{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sessionRecord() (session.Record, error) {
	state := c.State()
	if state.Session == nil {
		return session.Record{}, fmt.Errorf("no active session")
	}
	return *state.Session, nil
}

func (c *Client) postRaiseVersion(version int64) {
	select {
	case c.inbox <- raiseVersionMsg{version: version}:
	case <-c.done:
	}
}
