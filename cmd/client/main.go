package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/cbodonnell/roomlink/client"
	"github.com/cbodonnell/roomlink/client/network"
	"github.com/cbodonnell/roomlink/client/session"
	"github.com/cbodonnell/roomlink/pkg/log"
)

// A headless harness for the room client. It creates, joins, or resumes a
// room and then logs every state change until interrupted.
func main() {
	serverURL := flag.String("server-url", "ws://localhost:8888/ws", "Room server websocket URL")
	logLevel := flag.String("log-level", "info", "Log level")
	playerName := flag.String("name", "", "Display name for create/join")
	create := flag.Bool("create", false, "Create a new room")
	joinCode := flag.String("join", "", "Join the room with this code")
	shareURL := flag.String("share-url", "", "Shareable address to resume from and keep updated")
	storePath := flag.String("store", "", "SQLite session store path (in-memory when empty)")
	contextID := flag.String("context-id", "", "Session store context ID (one per tab analogue, random when empty)")
	pgConnStr := flag.String("postgres-url", "", "Postgres session store connection string (overrides -store)")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}
	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)

	ctx := context.Background()

	if *contextID == "" {
		*contextID = uuid.NewString()
	}
	var store session.Store
	switch {
	case *pgConnStr != "":
		store, err = session.NewPostgresStore(ctx, *pgConnStr, *contextID)
	case *storePath != "":
		store, err = session.NewSQLiteStore(ctx, *storePath, *contextID)
	default:
		store = session.NewMemoryStore()
	}
	if err != nil {
		panic(fmt.Sprintf("Failed to open session store: %v", err))
	}
	defer store.Close(ctx)

	manager := network.NewManager(network.NewManagerOptions{
		ServerURL: *serverURL,
	})
	if err := manager.Start(ctx); err != nil {
		panic(fmt.Sprintf("Failed to start network manager: %v", err))
	}
	defer manager.Stop()

	c := client.NewClient(client.NewClientOptions{
		Transport: manager,
		Store:     store,
		ShareURL:  *shareURL,
	})
	c.Start(ctx)
	defer c.Close()

	switch {
	case *create:
		if *playerName == "" {
			panic("-name is required with -create")
		}
		view, err := c.CreateRoom(ctx, *playerName)
		if err != nil {
			panic(fmt.Sprintf("Failed to create room: %v", err))
		}
		log.Info("Created room %s", view.RoomCode)
	case *joinCode != "":
		if *playerName == "" {
			panic("-name is required with -join")
		}
		view, err := c.JoinRoom(ctx, *joinCode, *playerName)
		if err != nil {
			panic(fmt.Sprintf("Failed to join room: %v", err))
		}
		log.Info("Joined room %s", view.RoomCode)
	case *shareURL != "":
		code := client.RoomCodeFromShareURL(*shareURL)
		if code == "" {
			panic("share URL carries no room code")
		}
		if err := c.Resume(ctx, code); err != nil {
			log.Warn("Failed to resume session for room %s: %v", code, err)
		}
	default:
		panic("one of -create, -join, or -share-url is required")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			log.Info("Shutting down")
			return
		case <-c.Updates():
			state := c.State()
			log.Info("Room %s v%d bind=%s players=%d host=%t turn=%t status=%q",
				state.Room.RoomCode, state.Room.StateVersion, state.BindState,
				len(state.Room.Players), state.Room.IsHost, state.Room.IsMyTurn, state.Status)
			if state.ShareURL != "" {
				log.Debug("Share URL: %s", state.ShareURL)
			}
		}
	}
}
