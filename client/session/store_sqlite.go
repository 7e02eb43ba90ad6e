package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cbodonnell/roomlink/pkg/rooms"
	_ "github.com/mattn/go-sqlite3"
)

// legacyContextID marks records written by earlier versions of this layer
// before stores were scoped per context. Clear removes these as well.
const legacyContextID = ""

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	context_id TEXT NOT NULL,
	room_code TEXT NOT NULL,
	session_token TEXT NOT NULL,
	player_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (context_id, room_code)
);
`

// SQLiteStore persists session records in a local sqlite database.
type SQLiteStore struct {
	db        *sql.DB
	contextID string
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// contextID scopes all reads and writes to one browsing context; it must
// not be empty, which is reserved for legacy unscoped records.
func NewSQLiteStore(ctx context.Context, path string, contextID string) (*SQLiteStore, error) {
	if contextID == legacyContextID {
		return nil, fmt.Errorf("context ID must not be empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		return nil, fmt.Errorf("failed to execute migration: %v", err)
	}

	return &SQLiteStore{
		db:        db,
		contextID: contextID,
	}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, rec Record) error {
	q := `
	INSERT OR REPLACE INTO sessions (context_id, room_code, session_token, player_id, updated_at)
	VALUES (?, ?, ?, ?, ?);
	`
	_, err := s.db.ExecContext(ctx, q, s.contextID, rooms.CanonicalCode(rec.RoomCode), rec.SessionToken, rec.PlayerID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, roomCode string) (*Record, error) {
	q := `
	SELECT room_code, session_token, player_id FROM sessions
	WHERE context_id = ? AND room_code = ?;
	`
	rec := &Record{}
	err := s.db.QueryRowContext(ctx, q, s.contextID, rooms.CanonicalCode(roomCode)).
		Scan(&rec.RoomCode, &rec.SessionToken, &rec.PlayerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to query session: %v", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, roomCode string) error {
	q := `
	DELETE FROM sessions WHERE room_code = ? AND context_id IN (?, ?);
	`
	_, err := s.db.ExecContext(ctx, q, rooms.CanonicalCode(roomCode), s.contextID, legacyContextID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}
