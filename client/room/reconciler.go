package room

import (
	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/rooms"
)

// Reconciler applies authoritative room state pushed by the server and
// maintains the facts derived from it. It is not safe for concurrent use;
// the owning client mutates it only from its event loop.
type Reconciler struct {
	roomCode     string
	roomID       string
	version      int64
	players      []rooms.Player
	presence     map[string]rooms.PlayerPresence
	hostPlayerID string
	selfPlayerID string
	started      bool
	game         *rooms.GameState
}

// View is a copy of the reconciled room state handed out to callers.
type View struct {
	RoomCode     string
	RoomID       string
	StateVersion int64
	Players      []rooms.Player
	Presence     map[string]rooms.PlayerPresence
	HostPlayerID string
	SelfPlayerID string
	Started      bool
	Game         *rooms.GameState
	IsHost       bool
	IsMyTurn     bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// BindRoom scopes the reconciler to a room. Pushed state naming any other
// room is ignored until the next BindRoom or Reset.
func (r *Reconciler) BindRoom(roomCode, roomID string) {
	r.roomCode = rooms.CanonicalCode(roomCode)
	r.roomID = roomID
}

// SetSelf records the local player identity.
func (r *Reconciler) SetSelf(playerID string) {
	r.selfPlayerID = playerID
}

// SetRoster replaces the roster and host from an operation result.
func (r *Reconciler) SetRoster(players []rooms.Player, hostPlayerID string) {
	r.players = rooms.ClonePlayers(players)
	if hostPlayerID != "" {
		r.hostPlayerID = hostPlayerID
	}
}

// SetStarted records whether the game is underway.
func (r *Reconciler) SetStarted(started bool) {
	r.started = started
}

// RaiseVersion raises the tracked state version to at least v. Used when an
// operation ack reports a newer version than the last snapshot.
func (r *Reconciler) RaiseVersion(v int64) {
	if v > r.version {
		r.version = v
	}
}

// ApplySnapshot applies a full snapshot. A snapshot is accepted when it
// names the bound room and its version is >= the current version. An
// equal-version snapshot is applied rather than skipped so that a
// correcting resync can overwrite drifted local state.
func (r *Reconciler) ApplySnapshot(snap rooms.Snapshot) bool {
	if !r.sameRoom(snap.RoomCode) {
		return false
	}
	if snap.StateVersion < r.version {
		log.Debug("Discarding stale snapshot for room %s (version %d < %d)", r.roomCode, snap.StateVersion, r.version)
		return false
	}

	snap = snap.Clone()
	if snap.RoomID != "" {
		r.roomID = snap.RoomID
	}
	r.players = snap.Players
	r.presence = snap.Presence
	r.hostPlayerID = snap.HostPlayerID
	r.started = snap.Started
	r.game = snap.Game
	if snap.SelfPlayerID != "" && snap.SelfPlayerID != r.selfPlayerID {
		// The server knows better than we do who we are, e.g. after a
		// reconnect assigned an identity the client never learned.
		log.Info("Adopting self player ID %s from snapshot (was %s)", snap.SelfPlayerID, r.selfPlayerID)
		r.selfPlayerID = snap.SelfPlayerID
	}
	if snap.StateVersion > r.version {
		r.version = snap.StateVersion
	}
	return true
}

// ApplyRoster applies an incremental roster push.
func (r *Reconciler) ApplyRoster(roomCode string, players []rooms.Player, hostPlayerID string) bool {
	if !r.sameRoom(roomCode) {
		return false
	}
	r.players = rooms.ClonePlayers(players)
	if hostPlayerID != "" {
		r.hostPlayerID = hostPlayerID
	}
	return true
}

// ApplyPresence replaces the presence map wholesale. Entries for players
// the server did not just assert are never carried forward.
func (r *Reconciler) ApplyPresence(roomCode string, presence map[string]rooms.PlayerPresence) bool {
	if !r.sameRoom(roomCode) {
		return false
	}
	r.presence = rooms.ClonePresence(presence)
	return true
}

// ApplyPlayerColor applies a color-update push.
func (r *Reconciler) ApplyPlayerColor(roomCode, playerID, color string) bool {
	if !r.sameRoom(roomCode) {
		return false
	}
	for i := range r.players {
		if r.players[i].ID == playerID {
			r.players[i].Color = color
			return true
		}
	}
	return false
}

// ApplyHost applies a host-update push.
func (r *Reconciler) ApplyHost(roomCode, hostPlayerID string) bool {
	if !r.sameRoom(roomCode) {
		return false
	}
	r.hostPlayerID = hostPlayerID
	return true
}

// Reset discards all room state, e.g. after a terminal session failure.
func (r *Reconciler) Reset() {
	*r = Reconciler{}
}

// RoomCode returns the bound room code, or "" when unbound.
func (r *Reconciler) RoomCode() string {
	return r.roomCode
}

// StateVersion returns the current state version.
func (r *Reconciler) StateVersion() int64 {
	return r.version
}

// SelfPlayerID returns the local player identity, or "" when unknown.
func (r *Reconciler) SelfPlayerID() string {
	return r.selfPlayerID
}

// View derives the current room facts. Host identity and turn ownership
// are always computed from the latest accepted state, never cached.
func (r *Reconciler) View() View {
	return View{
		RoomCode:     r.roomCode,
		RoomID:       r.roomID,
		StateVersion: r.version,
		Players:      rooms.ClonePlayers(r.players),
		Presence:     rooms.ClonePresence(r.presence),
		HostPlayerID: r.hostPlayerID,
		SelfPlayerID: r.selfPlayerID,
		Started:      r.started,
		Game:         r.game.Clone(),
		IsHost:       r.selfPlayerID != "" && r.selfPlayerID == r.hostPlayerID,
		IsMyTurn:     r.isMyTurn(),
	}
}

func (r *Reconciler) isMyTurn() bool {
	if !r.started || r.game == nil || r.selfPlayerID == "" {
		return false
	}
	return r.game.ActivePlayerID == r.selfPlayerID
}

func (r *Reconciler) sameRoom(roomCode string) bool {
	return r.roomCode != "" && rooms.CanonicalCode(roomCode) == r.roomCode
}
