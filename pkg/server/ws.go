package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
)

const writeTimeout = 10 * time.Second

// wsConn is one accepted websocket connection. Writes are serialized so
// unsolicited broadcasts don't interleave with acks.
type wsConn struct {
	lock sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

// WSHandler accepts websocket connections and routes room operations.
// Each connection gets an ephemeral identity that session tokens bind to.
type WSHandler struct {
	registry *Registry

	lock  sync.Mutex
	conns map[string]*wsConn
}

type NewWSHandlerOptions struct {
	GracePeriod time.Duration
	MaxPlayers  int
}

func NewWSHandler(opts NewWSHandlerOptions) *WSHandler {
	h := &WSHandler{
		conns: make(map[string]*wsConn),
	}
	h.registry = NewRegistry(RegistryOptions{
		GracePeriod: opts.GracePeriod,
		MaxPlayers:  opts.MaxPlayers,
		Notifier:    h,
	})
	return h
}

// Registry exposes the room registry, mainly for tests.
func (h *WSHandler) Registry() *Registry {
	return h.registry
}

// Send implements Notifier. Failures drop the message; the client repairs
// itself with a request-sync once it notices.
func (h *WSHandler) Send(connID string, msg *messages.Message) {
	h.lock.Lock()
	conn, ok := h.conns[connID]
	h.lock.Unlock()
	if !ok {
		log.Trace("Dropping %s message for gone connection %s", msg.Type, connID)
		return
	}
	if err := conn.write(msg); err != nil {
		log.Warn("Failed to write %s message to connection %s: %v", msg.Type, connID, err)
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept websocket connection: %v", err)
		return
	}

	connID := uuid.New().String()
	wc := &wsConn{conn: conn}
	h.lock.Lock()
	h.conns[connID] = wc
	h.lock.Unlock()
	log.Debug("Accepted connection %s from %s", connID, r.RemoteAddr)

	defer func() {
		h.lock.Lock()
		delete(h.conns, connID)
		h.lock.Unlock()
		h.registry.HandleDisconnect(connID)
		conn.Close(websocket.StatusNormalClosure, "")
		log.Debug("Connection %s closed", connID)
	}()

	for {
		_, b, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Trace("Read error on connection %s: %v", connID, err)
			}
			return
		}
		msg, err := messages.DeserializeMessage(b)
		if err != nil {
			log.Warn("Failed to deserialize message on connection %s: %v", connID, err)
			continue
		}
		h.handleMessage(connID, wc, msg)
	}
}

// handleMessage dispatches one operation and writes its ack. Messages on a
// connection are handled in arrival order.
func (h *WSHandler) handleMessage(connID string, wc *wsConn, msg *messages.Message) {
	result, err := h.dispatch(connID, msg)

	ack := messages.Ack{}
	if err != nil {
		ack.Error = err.Error()
		log.Debug("Rejected %s on connection %s: %v", msg.Type, connID, err)
	} else if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			ack.Error = "internal error"
			log.Error("Failed to marshal %s result: %v", msg.Type, merr)
		} else {
			ack.Result = b
		}
	}

	reply, err := messages.NewMessage(msg.RequestID, messages.MessageTypeServerAck, ack)
	if err != nil {
		log.Error("Failed to build ack for %s: %v", msg.Type, err)
		return
	}
	if err := wc.write(reply); err != nil {
		log.Warn("Failed to write ack to connection %s: %v", connID, err)
	}
}

func (h *WSHandler) dispatch(connID string, msg *messages.Message) (interface{}, error) {
	switch msg.Type {
	case messages.MessageTypeClientCreateRoom:
		req := messages.ClientCreateRoom{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		if req.PlayerName == "" {
			return nil, fmt.Errorf("player name is required")
		}
		return h.registry.CreateRoom(req.PlayerName, connID)
	case messages.MessageTypeClientJoinRoom:
		req := messages.ClientJoinRoom{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		if req.PlayerName == "" {
			return nil, fmt.Errorf("player name is required")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return room.Join(req.PlayerName, connID)
	case messages.MessageTypeClientRejoinRoom:
		req := messages.ClientRejoinRoom{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			// The room is gone, so the session can never be recovered.
			return nil, errors.New(messages.ErrorReasonSessionExpired)
		}
		return room.Rejoin(req.SessionToken, connID)
	case messages.MessageTypeClientStartGame:
		req := messages.ClientStartGame{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return room.StartGame(req.SessionToken, connID)
	case messages.MessageTypeClientSubmitAction:
		req := messages.ClientSubmitAction{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return room.SubmitAction(req.SessionToken, connID, req.BaseVersion, req.Action)
	case messages.MessageTypeClientRequestSync:
		req := messages.ClientRequestSync{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return room.RequestSync(req.SessionToken, connID)
	case messages.MessageTypeClientUpdatePlayerColor:
		req := messages.ClientUpdatePlayerColor{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return nil, room.UpdatePlayerColor(req.SessionToken, connID, req.Color)
	case messages.MessageTypeClientLeaveRoom:
		req := messages.ClientLeaveRoom{}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed payload")
		}
		room, err := h.registry.GetRoom(req.RoomCode)
		if err != nil {
			return nil, err
		}
		return nil, room.Leave(req.SessionToken, connID)
	default:
		return nil, fmt.Errorf("unknown operation %s", msg.Type)
	}
}
