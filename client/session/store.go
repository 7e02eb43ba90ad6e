package session

import (
	"context"
)

// Record is the persisted session for one room: the secret that
// re-authenticates this player across reconnects, together with the room
// code it was issued for. A record is meaningless against any other room.
type Record struct {
	RoomCode     string
	SessionToken string
	PlayerID     string
}

// Store persists at most one session record per canonical room code,
// scoped to a single browsing context so that a second tab opening the
// same invite link cannot steal the first tab's seat. Implementations
// must be safe for concurrent use.
type Store interface {
	// Write stores the record under the canonicalized room code,
	// replacing any previous record for that room.
	Write(ctx context.Context, rec Record) error
	// Read returns the record for the room, or ErrNotFound.
	Read(ctx context.Context, roomCode string) (*Record, error)
	// Clear removes the record for the room. It also removes any legacy
	// cross-context copy left by earlier versions of this layer.
	Clear(ctx context.Context, roomCode string) error
	Close(ctx context.Context) error
}

type ErrNotFound struct{}

func (e *ErrNotFound) Error() string {
	return "not found"
}

func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
