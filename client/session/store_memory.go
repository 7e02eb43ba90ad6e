package session

import (
	"context"
	"sync"

	"github.com/cbodonnell/roomlink/pkg/rooms"
)

// MemoryStore is an in-memory session store. One instance is inherently
// scoped to a single context, so there is no legacy copy to clean up.
type MemoryStore struct {
	lock    sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Write(ctx context.Context, rec Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec.RoomCode = rooms.CanonicalCode(rec.RoomCode)
	s.records[rec.RoomCode] = rec
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, roomCode string) (*Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	rec, ok := s.records[rooms.CanonicalCode(roomCode)]
	if !ok {
		return nil, &ErrNotFound{}
	}
	return &rec, nil
}

func (s *MemoryStore) Clear(ctx context.Context, roomCode string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.records, rooms.CanonicalCode(roomCode))
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
