package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/roomlink/client/network"
	"github.com/cbodonnell/roomlink/client/session"
	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
	"github.com/cbodonnell/roomlink/pkg/rooms"
)

type loopMsg interface{ isLoopMsg() }

type getStateMsg struct {
	reply chan State
}

type adoptSessionMsg struct {
	result      *messages.CreateRoomResult
	displayName string
	connID      string
	reply       chan error
}

type resumeMsg struct {
	rec   session.Record
	reply chan error
}

type rebindMsg struct {
	// force issues a fresh network rebind even when the binder believes
	// the session is already bound to this connection. Set when the server
	// itself reported the session unbound.
	force bool
	reply chan error
}

type raiseVersionMsg struct {
	version int64
}

type leaveMsg struct {
	reply chan error
}

type bindResultMsg struct {
	key    session.AttemptKey
	result *messages.RejoinRoomResult
	err    error
}

func (getStateMsg) isLoopMsg()     {}
func (adoptSessionMsg) isLoopMsg() {}
func (resumeMsg) isLoopMsg()       {}
func (rebindMsg) isLoopMsg()       {}
func (raiseVersionMsg) isLoopMsg() {}
func (leaveMsg) isLoopMsg()        {}
func (bindResultMsg) isLoopMsg()   {}

// run is the client's single logical thread. Every handler below executes
// sequentially on this goroutine; no other goroutine touches the binder,
// the reconciler, or the session fields.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.transport.Notify():
			for _, event := range c.transport.DrainEvents() {
				c.handleTransportEvent(ctx, event)
			}
			c.signalUpdate()
		case msg := <-c.inbox:
			c.handleLoopMsg(ctx, msg)
			c.signalUpdate()
		}
	}
}

func (c *Client) signalUpdate() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) handleLoopMsg(ctx context.Context, msg loopMsg) {
	switch m := msg.(type) {
	case getStateMsg:
		m.reply <- c.snapshotState()
	case adoptSessionMsg:
		m.reply <- c.handleAdoptSession(m)
	case resumeMsg:
		c.handleResume(ctx, m)
	case rebindMsg:
		c.handleRebind(ctx, m.reply, m.force)
	case raiseVersionMsg:
		c.reconciler.RaiseVersion(m.version)
	case leaveMsg:
		m.reply <- c.handleLeave()
	case bindResultMsg:
		c.handleBindResult(ctx, m)
	}
}

func (c *Client) snapshotState() State {
	state := State{
		Room:      c.reconciler.View(),
		BindState: c.binder.State(),
		Status:    c.status,
		ShareURL:  c.shareURL,
	}
	if c.current != nil {
		rec := *c.current
		state.Session = &rec
	}
	return state
}

func (c *Client) handleAdoptSession(m adoptSessionMsg) error {
	result := m.result
	rec := session.Record{
		RoomCode:     rooms.CanonicalCode(result.RoomCode),
		SessionToken: result.SessionToken,
		PlayerID:     result.PlayerID,
	}
	if err := c.writeStore(rec); err != nil {
		return err
	}

	c.current = &rec
	c.displayName = m.displayName
	c.binder.MarkBound(m.connID)
	c.reconciler.Reset()
	c.reconciler.BindRoom(result.RoomCode, result.RoomID)
	c.reconciler.SetSelf(result.PlayerID)
	hostPlayerID := ""
	if result.IsHost {
		hostPlayerID = result.PlayerID
	}
	c.reconciler.SetRoster(result.Players, hostPlayerID)
	c.reconciler.RaiseVersion(result.StateVersion)
	c.status = ""
	c.updateShareURL()

	log.Info("Session established in room %s as player %s", rec.RoomCode, rec.PlayerID)
	return nil
}

func (c *Client) handleResume(ctx context.Context, m resumeMsg) {
	rec := m.rec
	rec.RoomCode = rooms.CanonicalCode(rec.RoomCode)
	c.current = &rec
	c.reconciler.Reset()
	c.reconciler.BindRoom(rec.RoomCode, "")
	c.reconciler.SetSelf(rec.PlayerID)
	c.handleRebind(ctx, m.reply, false)
}

// handleRebind requests a bind of the current session to the current
// connection identity. At most one network rebind is outstanding at any
// time; additional callers wait on the same result.
func (c *Client) handleRebind(ctx context.Context, reply chan error, force bool) {
	if c.current == nil {
		reply <- fmt.Errorf("no session to bind")
		return
	}

	connID := c.transport.ConnectionID()
	key := session.AttemptKey{
		ConnectionID: connID,
		RoomCode:     c.current.RoomCode,
		SessionToken: c.current.SessionToken,
	}

	if !force && c.binder.State() == session.BindStateBound && c.binder.BoundConnectionID() == connID && connID != "" {
		reply <- nil
		return
	}
	if c.binder.AddWaiter(reply) {
		return
	}
	if connID == "" {
		reply <- &network.ErrNotConnected{}
		return
	}
	if reason, failed := c.binder.FailedReason(key); failed {
		// This exact attempt already failed; don't re-fire it.
		reply <- &network.ErrServerRejected{Reason: reason}
		return
	}

	c.startBind(ctx, key)
	c.binder.AddWaiter(reply)
}

// startBind issues the network rebind for key on a separate goroutine and
// feeds the result back into the loop.
func (c *Client) startBind(ctx context.Context, key session.AttemptKey) {
	c.binder.Begin(key)
	log.Debug("Binding session for room %s to connection %s", key.RoomCode, key.ConnectionID)

	go func() {
		raw, err := c.transport.Call(ctx, messages.MessageTypeClientRejoinRoom, messages.ClientRejoinRoom{
			RoomCode:     key.RoomCode,
			SessionToken: key.SessionToken,
		})
		msg := bindResultMsg{key: key, err: err}
		if err == nil {
			result := &messages.RejoinRoomResult{}
			if uerr := json.Unmarshal(raw, result); uerr != nil {
				msg.err = uerr
			} else {
				msg.result = result
			}
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
		}
	}()
}

func (c *Client) handleBindResult(ctx context.Context, m bindResultMsg) {
	if key, ok := c.binder.FlightKey(); !ok || key != m.key {
		// The binder was reset while the call was in flight.
		log.Debug("Ignoring bind result for stale attempt in room %s", m.key.RoomCode)
		c.maybeAutoBind(ctx, c.transport.ConnectionID())
		return
	}

	if m.err != nil {
		c.failBind(m.key, m.err)
		// A connection identity that changed while this attempt was in
		// flight never got an attempt of its own; re-evaluate now.
		c.maybeAutoBind(ctx, c.transport.ConnectionID())
		return
	}

	result := m.result
	rec := session.Record{
		RoomCode:     rooms.CanonicalCode(result.RoomCode),
		SessionToken: m.key.SessionToken,
		PlayerID:     result.PlayerID,
	}
	waiters := c.binder.Complete()
	if err := c.writeStore(rec); err != nil {
		log.Error("Failed to persist session after bind: %v", err)
	}
	c.current = &rec
	c.reconciler.BindRoom(result.RoomCode, result.RoomID)
	c.reconciler.SetSelf(result.PlayerID)
	hostPlayerID := ""
	if result.IsHost {
		hostPlayerID = result.PlayerID
	}
	c.reconciler.SetRoster(result.Players, hostPlayerID)
	c.reconciler.SetStarted(result.IsGameStarted)
	c.reconciler.RaiseVersion(result.StateVersion)
	for _, player := range result.Players {
		if player.ID == result.PlayerID {
			c.displayName = player.Name
		}
	}
	c.status = ""
	c.updateShareURL()

	log.Info("Session rebound in room %s as player %s", rec.RoomCode, rec.PlayerID)
	for _, waiter := range waiters {
		waiter <- nil
	}
}

func (c *Client) failBind(key session.AttemptKey, callErr error) {
	reason := network.RejectionReason(callErr)
	waiters := c.binder.Fail(reason)

	if session.IsTerminalReason(reason) {
		log.Warn("Terminal bind failure for room %s: %s", key.RoomCode, reason)
		if err := c.clearStore(key.RoomCode); err != nil {
			log.Error("Failed to clear stored session: %v", err)
		}
		// Only destroy in-memory state when the failed attempt still
		// matches the session we hold; a newer session must survive.
		if c.current != nil && c.current.RoomCode == key.RoomCode && c.current.SessionToken == key.SessionToken {
			c.current = nil
			c.displayName = ""
			c.reconciler.Reset()
		}
		c.status = session.SessionExpiredMessage
		terminalErr := &session.ErrTerminalSession{Reason: reason}
		for _, waiter := range waiters {
			waiter <- terminalErr
		}
		return
	}

	// Transient failure: the stored session stays intact for a future
	// attempt and the raw error text is surfaced as-is.
	log.Warn("Transient bind failure for room %s: %s", key.RoomCode, reason)
	c.status = reason
	for _, waiter := range waiters {
		waiter <- callErr
	}
}

func (c *Client) handleLeave() error {
	var clearErr error
	if c.current != nil {
		clearErr = c.clearStore(c.current.RoomCode)
	}
	for _, waiter := range c.binder.Reset() {
		waiter <- &network.ErrServerRejected{Reason: "left room"}
	}
	c.current = nil
	c.displayName = ""
	c.reconciler.Reset()
	c.status = ""
	return clearErr
}

func (c *Client) handleTransportEvent(ctx context.Context, event network.Event) {
	switch event.Type {
	case network.EventTypeConnected:
		// Only the connection-level standing message auto-clears here;
		// session-level messages stay until a bind resolves them.
		if c.status == StatusDisconnected {
			c.status = ""
		}
		c.maybeAutoBind(ctx, event.ConnectionID)
	case network.EventTypeDisconnected:
		c.status = StatusDisconnected
	case network.EventTypeServerMessage:
		c.handleServerMessage(event.Message)
	}
}

// maybeAutoBind evaluates the automatic bind triggers: a connection came
// up (or came back under a new identity) while a candidate session is
// held. The binder's dedup registry keeps re-evaluation from re-firing
// attempts that already failed.
func (c *Client) maybeAutoBind(ctx context.Context, connID string) {
	if c.current == nil {
		return
	}
	key := session.AttemptKey{
		ConnectionID: connID,
		RoomCode:     c.current.RoomCode,
		SessionToken: c.current.SessionToken,
	}
	if !c.binder.Eligible(key) {
		return
	}
	c.startBind(ctx, key)
}

func (c *Client) handleServerMessage(msg *messages.Message) {
	switch msg.Type {
	case messages.MessageTypeServerRoomSnapshot:
		snapshot := messages.ServerRoomSnapshot{}
		if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
			log.Error("Failed to unmarshal room snapshot: %v", err)
			return
		}
		c.reconciler.ApplySnapshot(snapshot.Snapshot)
	case messages.MessageTypeServerPresenceUpdated:
		update := messages.ServerPresenceUpdated{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal presence update: %v", err)
			return
		}
		c.reconciler.ApplyPresence(update.RoomCode, update.Presence)
	case messages.MessageTypeServerPlayerJoined:
		update := messages.ServerPlayerJoined{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal player joined: %v", err)
			return
		}
		c.reconciler.ApplyRoster(update.RoomCode, update.Players, update.HostPlayerID)
	case messages.MessageTypeServerGameStarted:
		update := messages.ServerGameStarted{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal game started: %v", err)
			return
		}
		if c.reconciler.ApplyRoster(update.RoomCode, update.Players, update.HostPlayerID) {
			c.reconciler.SetStarted(true)
		}
	case messages.MessageTypeServerPlayerColorUpdated:
		update := messages.ServerPlayerColorUpdated{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal player color update: %v", err)
			return
		}
		c.reconciler.ApplyPlayerColor(update.RoomCode, update.PlayerID, update.Color)
	case messages.MessageTypeServerHostUpdated:
		update := messages.ServerHostUpdated{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal host update: %v", err)
			return
		}
		c.reconciler.ApplyHost(update.RoomCode, update.HostPlayerID)
	case messages.MessageTypeServerActionRejected:
		update := messages.ServerActionRejected{}
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.Error("Failed to unmarshal action rejection: %v", err)
			return
		}
		log.Warn("Action rejected by server: %s", update.Reason)
		c.status = update.Reason
	default:
		log.Debug("Ignoring unexpected server message type %s", msg.Type)
	}
}

func (c *Client) updateShareURL() {
	if c.shareURL == "" {
		return
	}
	normalized, err := normalizeShareURL(c.shareURL, c.reconciler.RoomCode(), c.displayName)
	if err != nil {
		log.Error("Failed to normalize share URL: %v", err)
		return
	}
	c.shareURL = normalized
}

func (c *Client) writeStore(rec session.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return c.store.Write(ctx, rec)
}

func (c *Client) clearStore(roomCode string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return c.store.Clear(ctx, roomCode)
}
