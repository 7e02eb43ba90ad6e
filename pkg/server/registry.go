package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
	"github.com/cbodonnell/roomlink/pkg/rooms"
)

const roomCodeLength = 6

// Room codes avoid 0/O and 1/I so players can read them aloud.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Registry owns the set of live rooms, keyed by canonical room code.
type Registry struct {
	lock        sync.Mutex
	rooms       map[string]*Room
	gracePeriod time.Duration
	maxPlayers  int
	notifier    Notifier
	rng         *rand.Rand
}

type RegistryOptions struct {
	GracePeriod time.Duration
	MaxPlayers  int
	Notifier    Notifier
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		gracePeriod: opts.GracePeriod,
		maxPlayers:  opts.MaxPlayers,
		notifier:    opts.Notifier,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateRoom creates a room with a fresh code and seats the creator as
// host.
func (g *Registry) CreateRoom(playerName, connID string) (*messages.CreateRoomResult, error) {
	g.lock.Lock()
	code := g.newRoomCode()
	room := NewRoom(RoomOptions{
		ID:          uuid.New().String(),
		Code:        code,
		GracePeriod: g.gracePeriod,
		MaxPlayers:  g.maxPlayers,
		Notifier:    g.notifier,
	})
	g.rooms[code] = room
	g.lock.Unlock()

	log.Info("Created room %s (%s)", code, room.ID())
	return room.Join(playerName, connID)
}

// GetRoom looks up a room by code. Codes are case-insensitive.
func (g *Registry) GetRoom(code string) (*Room, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	room, ok := g.rooms[rooms.CanonicalCode(code)]
	if !ok {
		return nil, fmt.Errorf("room %s not found", rooms.CanonicalCode(code))
	}
	return room, nil
}

// HandleDisconnect fans a connection loss out to every room. Rooms that a
// connection never touched ignore it.
func (g *Registry) HandleDisconnect(connID string) {
	g.lock.Lock()
	live := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		live = append(live, room)
	}
	g.lock.Unlock()
	for _, room := range live {
		room.HandleDisconnect(connID)
	}
}

// Reap removes rooms with no seated players.
func (g *Registry) Reap() {
	g.lock.Lock()
	defer g.lock.Unlock()
	for code, room := range g.rooms {
		if room.Empty() {
			room.Close()
			delete(g.rooms, code)
			log.Info("Reaped empty room %s", code)
		}
	}
}

func (g *Registry) newRoomCode() string {
	for {
		b := make([]byte, roomCodeLength)
		for i := range b {
			b[i] = roomCodeAlphabet[g.rng.Intn(len(roomCodeAlphabet))]
		}
		code := string(b)
		if _, taken := g.rooms[code]; !taken {
			return code
		}
	}
}
