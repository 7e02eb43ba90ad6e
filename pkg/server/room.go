package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
	"github.com/cbodonnell/roomlink/pkg/rooms"
)

const (
	DefaultGracePeriod = 60 * time.Second
	DefaultMaxPlayers  = 8
)

// Notifier delivers a server message to a connection. The websocket layer
// implements it; tests substitute a recorder.
type Notifier interface {
	Send(connID string, msg *messages.Message)
}

// playerSession is the server-side identity of one seated player. The
// session token outlives any single connection; connID tracks the one
// connection the token is currently bound to.
type playerSession struct {
	token      string
	playerID   string
	connID     string
	graceTimer *time.Timer
}

// Room is the authoritative state of one game room. All state is guarded
// by lock; grace timers re-enter through expireSession.
type Room struct {
	lock sync.Mutex

	id          string
	code        string
	gracePeriod time.Duration
	maxPlayers  int
	notifier    Notifier

	players  []rooms.Player
	sessions map[string]*playerSession
	presence map[string]rooms.PlayerPresence
	// expired remembers why a dead token died so a late rejoin gets the
	// specific reason instead of a generic one.
	expired map[string]string

	hostID  string
	version int64
	started bool
	game    *rooms.GameState
}

type RoomOptions struct {
	ID          string
	Code        string
	GracePeriod time.Duration
	MaxPlayers  int
	Notifier    Notifier
}

func NewRoom(opts RoomOptions) *Room {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	return &Room{
		id:          opts.ID,
		code:        opts.Code,
		gracePeriod: opts.GracePeriod,
		maxPlayers:  opts.MaxPlayers,
		notifier:    opts.Notifier,
		sessions:    make(map[string]*playerSession),
		presence:    make(map[string]rooms.PlayerPresence),
		expired:     make(map[string]string),
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Code() string {
	return r.code
}

// Join seats a new player. The first player to join becomes the host.
func (r *Room) Join(playerName, connID string) (*messages.JoinRoomResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.started {
		return nil, errors.New("game already started")
	}
	if len(r.players) >= r.maxPlayers {
		return nil, errors.New(messages.ErrorReasonSeatUnavailable)
	}

	player := rooms.Player{
		ID:   uuid.New().String(),
		Name: playerName,
	}
	session := &playerSession{
		token:    uuid.New().String(),
		playerID: player.ID,
		connID:   connID,
	}
	r.players = append(r.players, player)
	r.sessions[session.token] = session
	r.presence[player.ID] = rooms.PlayerPresence{
		PlayerID: player.ID,
		Status:   rooms.PresenceStatusConnected,
	}
	if r.hostID == "" {
		r.hostID = player.ID
	}
	r.version++

	r.broadcastExcept(connID, messages.MessageTypeServerPlayerJoined, messages.ServerPlayerJoined{
		RoomCode:     r.code,
		Players:      rooms.ClonePlayers(r.players),
		HostPlayerID: r.hostID,
	})
	// The join bumped the state version; a snapshot carries it to the
	// players already seated so their tracked version doesn't lag.
	r.broadcastExcept(connID, messages.MessageTypeServerRoomSnapshot, nil)
	log.Info("Player %s (%s) joined room %s", player.Name, player.ID, r.code)

	return &messages.JoinRoomResult{
		RoomID:       r.id,
		RoomCode:     r.code,
		PlayerID:     player.ID,
		SessionToken: session.token,
		Players:      rooms.ClonePlayers(r.players),
		StateVersion: r.version,
		IsHost:       r.hostID == player.ID,
	}, nil
}

// Rejoin binds an existing session token to a new connection. A token may
// be bound to at most one live connection; rebinding displaces the old one.
func (r *Room) Rejoin(token, connID string) (*messages.RejoinRoomResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[token]
	if !ok {
		if reason, dead := r.expired[token]; dead {
			return nil, errors.New(reason)
		}
		return nil, errors.New(messages.ErrorReasonSessionExpired)
	}

	if session.graceTimer != nil {
		session.graceTimer.Stop()
		session.graceTimer = nil
	}
	session.connID = connID
	r.presence[session.playerID] = rooms.PlayerPresence{
		PlayerID: session.playerID,
		Status:   rooms.PresenceStatusConnected,
	}
	r.broadcastExcept(connID, messages.MessageTypeServerPresenceUpdated, messages.ServerPresenceUpdated{
		RoomCode: r.code,
		Presence: rooms.ClonePresence(r.presence),
	})
	r.sendTo(connID, messages.MessageTypeServerRoomSnapshot, messages.ServerRoomSnapshot{
		Snapshot: r.snapshot(session.playerID),
	})
	log.Info("Session for player %s rebound in room %s", session.playerID, r.code)

	return &messages.RejoinRoomResult{
		RoomID:        r.id,
		RoomCode:      r.code,
		PlayerID:      session.playerID,
		Players:       rooms.ClonePlayers(r.players),
		StateVersion:  r.version,
		IsHost:        r.hostID == session.playerID,
		IsGameStarted: r.started,
	}, nil
}

// StartGame starts the game. Host only; the host takes the first turn.
func (r *Room) StartGame(token, connID string) (*messages.StartGameResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, err := r.authorize(token, connID)
	if err != nil {
		return nil, err
	}
	if session.playerID != r.hostID {
		return nil, errors.New("only the host can start the game")
	}
	if r.started {
		return nil, errors.New("game already started")
	}

	r.started = true
	r.game = &rooms.GameState{ActivePlayerID: r.hostID}
	r.version++

	r.broadcastExcept(connID, messages.MessageTypeServerGameStarted, messages.ServerGameStarted{
		RoomCode:     r.code,
		Players:      rooms.ClonePlayers(r.players),
		HostPlayerID: r.hostID,
	})
	r.broadcast(messages.MessageTypeServerRoomSnapshot, nil)
	log.Info("Game started in room %s", r.code)

	return &messages.StartGameResult{StateVersion: r.version}, nil
}

// SubmitAction applies a game action. The action must be tagged with the
// current state version; on mismatch the caller is told the authoritative
// version and nothing is applied.
func (r *Room) SubmitAction(token, connID string, baseVersion int64, action json.RawMessage) (*messages.SubmitActionResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, err := r.authorize(token, connID)
	if err != nil {
		return nil, err
	}
	if !r.started {
		return nil, errors.New("game not started")
	}
	if r.game.ActivePlayerID != session.playerID {
		return nil, errors.New("not your turn")
	}
	if baseVersion != r.version {
		return nil, fmt.Errorf("version conflict: room is at version %d", r.version)
	}

	r.game.Board = append(json.RawMessage(nil), action...)
	r.game.ActivePlayerID = r.nextPlayerID(session.playerID)
	r.version++

	r.broadcast(messages.MessageTypeServerRoomSnapshot, nil)
	return &messages.SubmitActionResult{StateVersion: r.version}, nil
}

// RequestSync sends the caller a fresh snapshot of the room.
func (r *Room) RequestSync(token, connID string) (*messages.RequestSyncResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, err := r.authorize(token, connID)
	if err != nil {
		return nil, err
	}
	r.sendTo(connID, messages.MessageTypeServerRoomSnapshot, messages.ServerRoomSnapshot{
		Snapshot: r.snapshot(session.playerID),
	})
	return &messages.RequestSyncResult{StateVersion: r.version}, nil
}

// UpdatePlayerColor sets the player's color and tells the rest of the room.
func (r *Room) UpdatePlayerColor(token, connID, color string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, err := r.authorize(token, connID)
	if err != nil {
		return err
	}
	if color == "" {
		return errors.New("color is required")
	}
	for i := range r.players {
		if r.players[i].ID == session.playerID {
			r.players[i].Color = color
		}
	}
	r.version++
	r.broadcastExcept(connID, messages.MessageTypeServerPlayerColorUpdated, messages.ServerPlayerColorUpdated{
		RoomCode: r.code,
		PlayerID: session.playerID,
		Color:    color,
	})
	// Everyone, the caller included, needs the bumped version.
	r.broadcast(messages.MessageTypeServerRoomSnapshot, nil)
	return nil
}

// Leave gives up the player's seat and destroys the session.
func (r *Room) Leave(token, connID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, err := r.authorize(token, connID)
	if err != nil {
		return err
	}
	r.removePlayer(session, "left room")
	return nil
}

// HandleDisconnect marks every session bound to connID as reconnecting and
// arms its grace timer. The seat is held until the timer fires.
func (r *Room) HandleDisconnect(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := time.Now().UnixMilli()
	changed := false
	for _, session := range r.sessions {
		if session.connID != connID {
			continue
		}
		session.connID = ""
		r.presence[session.playerID] = rooms.PlayerPresence{
			PlayerID:       session.playerID,
			Status:         rooms.PresenceStatusReconnecting,
			DisconnectedAt: now,
			GraceExpiresAt: now + r.gracePeriod.Milliseconds(),
		}
		token := session.token
		session.graceTimer = time.AfterFunc(r.gracePeriod, func() {
			r.expireSession(token)
		})
		changed = true
		log.Info("Player %s disconnected from room %s, grace period %s", session.playerID, r.code, r.gracePeriod)
	}
	if changed {
		r.broadcast(messages.MessageTypeServerPresenceUpdated, messages.ServerPresenceUpdated{
			RoomCode: r.code,
			Presence: rooms.ClonePresence(r.presence),
		})
	}
}

// expireSession fires when a disconnected player's grace period runs out.
// The seat is freed and any later rejoin with the token is refused.
func (r *Room) expireSession(token string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[token]
	if !ok || session.connID != "" {
		// Rebound or removed before the timer fired.
		return
	}
	log.Info("Grace period expired for player %s in room %s", session.playerID, r.code)
	r.removePlayer(session, messages.ErrorReasonGraceExpired)
}

// removePlayer frees a seat, migrates the host if needed, and broadcasts
// the new room shape. Caller holds the lock.
func (r *Room) removePlayer(session *playerSession, reason string) {
	if session.graceTimer != nil {
		session.graceTimer.Stop()
		session.graceTimer = nil
	}
	delete(r.sessions, session.token)
	delete(r.presence, session.playerID)
	r.expired[session.token] = reason

	players := make([]rooms.Player, 0, len(r.players))
	for _, player := range r.players {
		if player.ID != session.playerID {
			players = append(players, player)
		}
	}
	r.players = players
	r.version++

	if r.hostID == session.playerID {
		r.hostID = ""
		if len(r.players) > 0 {
			// Host passes to the earliest-joined remaining player.
			r.hostID = r.players[0].ID
		}
		r.broadcast(messages.MessageTypeServerHostUpdated, messages.ServerHostUpdated{
			RoomCode:     r.code,
			HostPlayerID: r.hostID,
		})
	}
	r.broadcast(messages.MessageTypeServerRoomSnapshot, nil)
}

// Empty reports whether the room has no seated players left.
func (r *Room) Empty() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.players) == 0
}

// Close stops all outstanding grace timers.
func (r *Room) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, session := range r.sessions {
		if session.graceTimer != nil {
			session.graceTimer.Stop()
			session.graceTimer = nil
		}
	}
}

// authorize resolves a session token and checks that the operation arrives
// on the connection the token is bound to. Caller holds the lock.
func (r *Room) authorize(token, connID string) (*playerSession, error) {
	session, ok := r.sessions[token]
	if !ok {
		if reason, dead := r.expired[token]; dead {
			return nil, errors.New(reason)
		}
		return nil, errors.New(messages.ErrorReasonSessionExpired)
	}
	if session.connID != connID {
		return nil, errors.New(messages.ErrorReasonSessionUnbound)
	}
	return session, nil
}

func (r *Room) nextPlayerID(currentID string) string {
	for i, player := range r.players {
		if player.ID == currentID {
			return r.players[(i+1)%len(r.players)].ID
		}
	}
	if len(r.players) > 0 {
		return r.players[0].ID
	}
	return ""
}

// snapshot builds the authoritative room image as seen by one player.
// Caller holds the lock.
func (r *Room) snapshot(selfPlayerID string) rooms.Snapshot {
	return rooms.Snapshot{
		RoomCode:     r.code,
		RoomID:       r.id,
		StateVersion: r.version,
		Players:      rooms.ClonePlayers(r.players),
		Presence:     rooms.ClonePresence(r.presence),
		HostPlayerID: r.hostID,
		SelfPlayerID: selfPlayerID,
		Started:      r.started,
		Game:         r.game.Clone(),
	}
}

// broadcast sends a message to every live connection in the room. A nil
// payload for a room-snapshot broadcast means each recipient gets a
// snapshot personalized with its own player ID.
func (r *Room) broadcast(msgType messages.MessageType, payload interface{}) {
	r.broadcastExcept("", msgType, payload)
}

func (r *Room) broadcastExcept(exceptConnID string, msgType messages.MessageType, payload interface{}) {
	for _, session := range r.sessions {
		if session.connID == "" || session.connID == exceptConnID {
			continue
		}
		p := payload
		if msgType == messages.MessageTypeServerRoomSnapshot && p == nil {
			p = messages.ServerRoomSnapshot{Snapshot: r.snapshot(session.playerID)}
		}
		r.sendTo(session.connID, msgType, p)
	}
}

func (r *Room) sendTo(connID string, msgType messages.MessageType, payload interface{}) {
	msg, err := messages.NewMessage("", msgType, payload)
	if err != nil {
		log.Error("Failed to build %s message: %v", msgType, err)
		return
	}
	r.notifier.Send(connID, msg)
}
