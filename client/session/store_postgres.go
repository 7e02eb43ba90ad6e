package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cbodonnell/roomlink/pkg/rooms"
	"github.com/jackc/pgx/v5"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	context_id TEXT NOT NULL,
	room_code TEXT NOT NULL,
	session_token TEXT NOT NULL,
	player_id TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (context_id, room_code)
);
`

// PostgresStore persists session records in postgres. Useful for headless
// deployments where several processes share one durable store.
type PostgresStore struct {
	conn      *pgx.Conn
	contextID string
}

// NewPostgresStore connects to the database and ensures the sessions table
// exists. The caller is responsible for calling Close() on the store.
func NewPostgresStore(ctx context.Context, connStr string, contextID string) (*PostgresStore, error) {
	if contextID == legacyContextID {
		return nil, fmt.Errorf("context ID must not be empty")
	}

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	if _, err := conn.Exec(ctx, postgresMigration); err != nil {
		return nil, fmt.Errorf("failed to execute migration: %v", err)
	}

	return &PostgresStore{
		conn:      conn,
		contextID: contextID,
	}, nil
}

func (s *PostgresStore) Write(ctx context.Context, rec Record) error {
	q := `
	INSERT INTO sessions (context_id, room_code, session_token, player_id, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (context_id, room_code) DO UPDATE
	SET session_token = $3, player_id = $4, updated_at = $5;
	`
	_, err := s.conn.Exec(ctx, q, s.contextID, rooms.CanonicalCode(rec.RoomCode), rec.SessionToken, rec.PlayerID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session: %v", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, roomCode string) (*Record, error) {
	q := `
	SELECT room_code, session_token, player_id FROM sessions
	WHERE context_id = $1 AND room_code = $2;
	`
	rec := &Record{}
	err := s.conn.QueryRow(ctx, q, s.contextID, rooms.CanonicalCode(roomCode)).
		Scan(&rec.RoomCode, &rec.SessionToken, &rec.PlayerID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to query session: %v", err)
	}
	return rec, nil
}

func (s *PostgresStore) Clear(ctx context.Context, roomCode string) error {
	q := `
	DELETE FROM sessions WHERE room_code = $1 AND context_id IN ($2, $3);
	`
	_, err := s.conn.Exec(ctx, q, rooms.CanonicalCode(roomCode), s.contextID, legacyContextID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
