package messages

import (
	"encoding/json"

	"github.com/cbodonnell/roomlink/pkg/rooms"
)

// MessageType identifies a wire message.
type MessageType string

// Client -> server operations. Every operation is acknowledged with a
// MessageTypeServerAck carrying the same request ID.
const (
	MessageTypeClientCreateRoom        MessageType = "create-room"
	MessageTypeClientJoinRoom          MessageType = "join-room"
	MessageTypeClientRejoinRoom        MessageType = "rejoin-room"
	MessageTypeClientStartGame         MessageType = "start-game"
	MessageTypeClientUpdatePlayerColor MessageType = "update-player-color"
	MessageTypeClientSubmitAction      MessageType = "submit-action"
	MessageTypeClientRequestSync       MessageType = "request-sync"
	MessageTypeClientLeaveRoom         MessageType = "leave-room"
)

// Server -> client messages. Everything except the ack is unsolicited.
const (
	MessageTypeServerAck                MessageType = "ack"
	MessageTypeServerPresenceUpdated    MessageType = "presence-updated"
	MessageTypeServerPlayerJoined       MessageType = "player-joined"
	MessageTypeServerGameStarted        MessageType = "game-started"
	MessageTypeServerPlayerColorUpdated MessageType = "player-color-updated"
	MessageTypeServerRoomSnapshot       MessageType = "room-snapshot"
	MessageTypeServerActionRejected     MessageType = "action-rejected"
	MessageTypeServerHostUpdated        MessageType = "host-updated"
)

// Well-known rejection reasons. Clients match on these to classify failures.
const (
	ErrorReasonSessionUnbound  = "session not bound to this connection"
	ErrorReasonSessionExpired  = "session expired"
	ErrorReasonSeatUnavailable = "seat no longer available"
	ErrorReasonGraceExpired    = "grace period expired"
)

// Message represents a generic message for serialization/deserialization.
// RequestID is set on client operations and echoed on the matching ack;
// it is empty on unsolicited server messages.
type Message struct {
	RequestID string          `json:"requestID,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message of the given type with a marshaled payload.
func NewMessage(requestID string, msgType MessageType, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		RequestID: requestID,
		Type:      msgType,
		Payload:   raw,
	}, nil
}

// Ack is the tagged result of a client operation. A non-empty Error means
// the server rejected the operation; otherwise Result holds the
// operation-specific response payload.
type Ack struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Operation request payloads.

type ClientCreateRoom struct {
	PlayerName string `json:"playerName"`
}

type ClientJoinRoom struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
}

type ClientRejoinRoom struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
}

type ClientStartGame struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
}

type ClientUpdatePlayerColor struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
	Color        string `json:"color"`
}

type ClientSubmitAction struct {
	RoomCode     string          `json:"roomCode"`
	SessionToken string          `json:"sessionToken"`
	BaseVersion  int64           `json:"baseVersion"`
	Action       json.RawMessage `json:"action"`
}

type ClientRequestSync struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
}

type ClientLeaveRoom struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
}

// Operation result payloads.

type CreateRoomResult struct {
	RoomID       string         `json:"roomID"`
	RoomCode     string         `json:"roomCode"`
	PlayerID     string         `json:"playerID"`
	SessionToken string         `json:"sessionToken"`
	Players      []rooms.Player `json:"players"`
	StateVersion int64          `json:"stateVersion"`
	IsHost       bool           `json:"isHost"`
}

// JoinRoomResult has the same shape as CreateRoomResult with IsHost=false.
type JoinRoomResult = CreateRoomResult

type RejoinRoomResult struct {
	RoomID        string         `json:"roomID"`
	RoomCode      string         `json:"roomCode"`
	PlayerID      string         `json:"playerID"`
	Players       []rooms.Player `json:"players"`
	StateVersion  int64          `json:"stateVersion"`
	IsHost        bool           `json:"isHost"`
	IsGameStarted bool           `json:"isGameStarted"`
}

type StartGameResult struct {
	StateVersion int64 `json:"stateVersion"`
}

type SubmitActionResult struct {
	StateVersion int64 `json:"stateVersion"`
}

type RequestSyncResult struct {
	StateVersion int64 `json:"stateVersion"`
}

// Unsolicited event payloads.

type ServerPresenceUpdated struct {
	RoomCode string                          `json:"roomCode"`
	Presence map[string]rooms.PlayerPresence `json:"presence"`
}

type ServerPlayerJoined struct {
	RoomCode     string         `json:"roomCode"`
	Players      []rooms.Player `json:"players"`
	HostPlayerID string         `json:"hostPlayerID"`
}

type ServerGameStarted struct {
	RoomCode     string         `json:"roomCode"`
	Players      []rooms.Player `json:"players"`
	HostPlayerID string         `json:"hostPlayerID"`
}

type ServerPlayerColorUpdated struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerID"`
	Color    string `json:"color"`
}

// ServerRoomSnapshot carries a full room snapshot.
type ServerRoomSnapshot struct {
	rooms.Snapshot
}

type ServerActionRejected struct {
	Reason string `json:"reason"`
}

type ServerHostUpdated struct {
	RoomCode     string `json:"roomCode"`
	HostPlayerID string `json:"hostPlayerID"`
}
