package rooms

import (
	"encoding/json"
	"strings"
)

// PresenceStatus classifies a player's connectivity.
type PresenceStatus string

const (
	PresenceStatusConnected    PresenceStatus = "connected"
	PresenceStatusReconnecting PresenceStatus = "reconnecting"
	PresenceStatusDisconnected PresenceStatus = "disconnected"
)

// Player represents a seated player in a room. The slice order of a roster
// is the join order.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// PlayerPresence is the connectivity record for a single player.
// Timestamps are unix milliseconds.
type PlayerPresence struct {
	PlayerID       string         `json:"playerID"`
	Status         PresenceStatus `json:"status"`
	DisconnectedAt int64          `json:"disconnectedAt,omitempty"`
	GraceExpiresAt int64          `json:"graceExpiresAt,omitempty"`
}

// GameState carries the authoritative game payload. The board contents are
// opaque to the session layer; only the active player is interpreted, to
// derive turn ownership.
type GameState struct {
	ActivePlayerID string          `json:"activePlayerID,omitempty"`
	Board          json.RawMessage `json:"board,omitempty"`
}

// Snapshot is the authoritative image of a room at a given state version.
type Snapshot struct {
	RoomCode     string                    `json:"roomCode"`
	RoomID       string                    `json:"roomID"`
	StateVersion int64                     `json:"stateVersion"`
	Players      []Player                  `json:"players"`
	Presence     map[string]PlayerPresence `json:"presence,omitempty"`
	HostPlayerID string                    `json:"hostPlayerID"`
	SelfPlayerID string                    `json:"selfPlayerID,omitempty"`
	Started      bool                      `json:"started"`
	Game         *GameState                `json:"game,omitempty"`
}

// CanonicalCode canonicalizes a player-entered room code. Room codes are
// case-insensitive on the wire and uppercase everywhere else.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ClonePlayers returns a structural copy of a roster.
func ClonePlayers(players []Player) []Player {
	if players == nil {
		return nil
	}
	out := make([]Player, len(players))
	copy(out, players)
	return out
}

// ClonePresence returns a structural copy of a presence map.
func ClonePresence(presence map[string]PlayerPresence) map[string]PlayerPresence {
	if presence == nil {
		return nil
	}
	out := make(map[string]PlayerPresence, len(presence))
	for id, p := range presence {
		out[id] = p
	}
	return out
}

// Clone returns a structural copy of the game state.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := &GameState{
		ActivePlayerID: g.ActivePlayerID,
	}
	if g.Board != nil {
		out.Board = make(json.RawMessage, len(g.Board))
		copy(out.Board, g.Board)
	}
	return out
}

// Clone returns a structural copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Players = ClonePlayers(s.Players)
	out.Presence = ClonePresence(s.Presence)
	out.Game = s.Game.Clone()
	return out
}
