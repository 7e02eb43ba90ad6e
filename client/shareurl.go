package client

import (
	"fmt"
	"net/url"

	"github.com/cbodonnell/roomlink/pkg/rooms"
)

const (
	shareParamRoom = "room"
	shareParamName = "name"
)

// normalizeShareURL sets the canonical room code (and, when known, the
// display name) on the shareable address without disturbing unrelated
// query parameters.
func normalizeShareURL(raw, roomCode, displayName string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse share URL: %v", err)
	}
	q := u.Query()
	q.Set(shareParamRoom, rooms.CanonicalCode(roomCode))
	if displayName != "" {
		q.Set(shareParamName, displayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RoomCodeFromShareURL extracts the canonical room code from a shareable
// address, or "" when none is present.
func RoomCodeFromShareURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return rooms.CanonicalCode(u.Query().Get(shareParamRoom))
}

// DisplayNameFromShareURL extracts the display name from a shareable
// address, or "" when none is present.
func DisplayNameFromShareURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get(shareParamName)
}
