package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/messages"
	"github.com/cbodonnell/roomlink/pkg/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultCallTimeout   = 5 * time.Second
	DefaultReconnectWait = 2 * time.Second
)

// EventType classifies an event delivered to the manager's consumer.
type EventType int

const (
	// EventTypeConnected is emitted after every successful dial, with the
	// fresh connection identity.
	EventTypeConnected EventType = iota
	// EventTypeDisconnected is emitted when the connection drops.
	EventTypeDisconnected
	// EventTypeServerMessage carries an unsolicited server message.
	EventTypeServerMessage
)

// Event is delivered to the consumer via the event queue, in the order the
// underlying transport produced it.
type Event struct {
	Type         EventType
	ConnectionID string
	Message      *messages.Message
}

// Manager owns the websocket connection to the room server. It exposes a
// timeout-bounded call-and-response primitive on top of the fire-and-forget
// channel and delivers unsolicited server messages through a FIFO queue.
// Each (re)connection is tagged with a fresh ephemeral connection identity.
type Manager struct {
	serverURL     string
	callTimeout   time.Duration
	reconnectWait time.Duration

	eventQueue queue.Queue
	notify     chan struct{}

	connLock  sync.RWMutex
	conn      *websocket.Conn
	connID    string
	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]chan *messages.Ack

	cancelCtx context.CancelFunc
	waitGroup sync.WaitGroup
}

type NewManagerOptions struct {
	ServerURL     string
	CallTimeout   time.Duration
	ReconnectWait time.Duration
}

// NewManager creates a new network manager.
func NewManager(opts NewManagerOptions) *Manager {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = DefaultReconnectWait
	}
	return &Manager{
		serverURL:     opts.ServerURL,
		callTimeout:   opts.CallTimeout,
		reconnectWait: opts.ReconnectWait,
		eventQueue:    queue.NewInMemoryQueue(queue.DefaultBufferSize),
		notify:        make(chan struct{}, 1),
		pending:       make(map[string]chan *messages.Ack),
	}
}

// Start dials the server and keeps the connection alive, redialing with a
// fixed wait after every drop until the context is done or Stop is called.
// It returns an error if the initial dial fails.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelCtx = cancel

	conn, err := m.dial(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to server: %v", err)
	}

	m.waitGroup.Add(1)
	go func() {
		defer m.waitGroup.Done()
		m.run(ctx, conn)
	}()

	return nil
}

// Stop closes the connection and stops the reconnect loop.
func (m *Manager) Stop() error {
	if m.cancelCtx == nil {
		log.Warn("Network manager already stopped")
		return nil
	}
	m.cancelCtx()
	m.cancelCtx = nil

	m.connLock.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connLock.Unlock()

	m.waitGroup.Wait()
	m.eventQueue.Clear()
	log.Info("Network manager stopped")
	return nil
}

// ConnectionID returns the ephemeral identity of the current connection,
// or "" when disconnected.
func (m *Manager) ConnectionID() string {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return m.connID
}

// Connected reports whether a connection is currently established.
func (m *Manager) Connected() bool {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return m.conn != nil
}

// Notify returns a channel that receives a signal whenever new events are
// pending. Consumers drain with DrainEvents.
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}

// DrainEvents removes and returns all pending events in delivery order.
func (m *Manager) DrainEvents() []Event {
	items := m.eventQueue.Drain()
	events := make([]Event, 0, len(items))
	for _, item := range items {
		event, ok := item.(Event)
		if !ok {
			log.Error("Unexpected item type in event queue: %T", item)
			continue
		}
		events = append(events, event)
	}
	return events
}

// Call sends an operation and waits for its acknowledgement. The message
// is sent once; if the acknowledgement reports failure the call rejects
// with the server's reason, and if no acknowledgement arrives within the
// call timeout the call rejects with ErrTimeout. An acknowledgement
// arriving after the timeout is discarded, never resolved twice. Retries
// are the caller's decision, not this layer's.
func (m *Manager) Call(ctx context.Context, msgType messages.MessageType, payload interface{}) (json.RawMessage, error) {
	m.connLock.RLock()
	conn := m.conn
	m.connLock.RUnlock()
	if conn == nil {
		return nil, &ErrNotConnected{}
	}

	msg, err := messages.NewMessage(uuid.NewString(), msgType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %v", err)
	}

	ackChan := make(chan *messages.Ack, 1)
	m.pendingLock.Lock()
	m.pending[msg.RequestID] = ackChan
	m.pendingLock.Unlock()

	if err := m.send(conn, msg); err != nil {
		m.unregister(msg.RequestID)
		return nil, fmt.Errorf("failed to send %s: %v", msgType, err)
	}

	select {
	case <-time.After(m.callTimeout):
		m.unregister(msg.RequestID)
		return nil, &ErrTimeout{Operation: msgType}
	case <-ctx.Done():
		m.unregister(msg.RequestID)
		return nil, ctx.Err()
	case ack := <-ackChan:
		if ack.Error != "" {
			if ack.Error == messages.ErrorReasonSessionUnbound {
				return nil, &ErrSessionUnbound{}
			}
			return nil, &ErrServerRejected{Reason: ack.Error}
		}
		return ack.Result, nil
	}
}

func (m *Manager) unregister(requestID string) {
	m.pendingLock.Lock()
	defer m.pendingLock.Unlock()
	delete(m.pending, requestID)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.serverURL, nil)
	if err != nil {
		return nil, err
	}

	connID := uuid.NewString()
	m.connLock.Lock()
	m.conn = conn
	m.connID = connID
	m.connLock.Unlock()

	log.Info("Connected to %s with connection ID %s", m.serverURL, connID)
	m.deliver(Event{Type: EventTypeConnected, ConnectionID: connID})
	return conn, nil
}

// run reads from the connection until it drops, then redials until the
// context is done.
func (m *Manager) run(ctx context.Context, conn *websocket.Conn) {
	for {
		m.readLoop(ctx, conn)

		m.connLock.Lock()
		lostID := m.connID
		m.conn = nil
		m.connID = ""
		m.connLock.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Warn("Connection %s lost, reconnecting", lostID)
		m.deliver(Event{Type: EventTypeDisconnected, ConnectionID: lostID})

		var err error
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reconnectWait):
			}
			conn, err = m.dial(ctx)
			if err == nil {
				break
			}
			log.Error("Failed to reconnect: %v", err)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Error reading message: %v", err)
			}
			return
		}

		if err := m.handleMessage(data); err != nil {
			log.Error("Failed to handle message: %v", err)
		}
	}
}

func (m *Manager) handleMessage(data []byte) error {
	msg, err := messages.DeserializeMessage(data)
	if err != nil {
		return fmt.Errorf("failed to deserialize message: %v", err)
	}
	log.Trace("Received message of type %s", msg.Type)

	if msg.Type == messages.MessageTypeServerAck {
		ack := &messages.Ack{}
		if err := json.Unmarshal(msg.Payload, ack); err != nil {
			return fmt.Errorf("failed to unmarshal acknowledgement: %v", err)
		}

		m.pendingLock.Lock()
		ackChan, ok := m.pending[msg.RequestID]
		if ok {
			delete(m.pending, msg.RequestID)
		}
		m.pendingLock.Unlock()

		if !ok {
			// Late acknowledgement for a call that already timed out.
			log.Trace("Discarding late acknowledgement for request %s", msg.RequestID)
			return nil
		}
		ackChan <- ack
		return nil
	}

	m.connLock.RLock()
	connID := m.connID
	m.connLock.RUnlock()
	m.deliver(Event{Type: EventTypeServerMessage, ConnectionID: connID, Message: msg})
	return nil
}

func (m *Manager) deliver(event Event) {
	if err := m.eventQueue.Enqueue(event); err != nil {
		log.Error("Failed to enqueue event: %v", err)
		return
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) send(conn *websocket.Conn, msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}

	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("failed to write message: %v", err)
	}
	return nil
}
