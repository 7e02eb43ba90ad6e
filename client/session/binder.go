package session

import (
	"strings"

	"github.com/cbodonnell/roomlink/pkg/messages"
)

// SessionExpiredMessage is the fixed user-facing message shown after a
// terminal bind failure.
const SessionExpiredMessage = "Session expired, enter your name to rejoin if seats are open."

// BindState is the binder's position in the Unbound -> Binding -> Bound
// state machine.
type BindState int

const (
	BindStateUnbound BindState = iota
	BindStateBinding
	BindStateBound
)

func (s BindState) String() string {
	switch s {
	case BindStateUnbound:
		return "unbound"
	case BindStateBinding:
		return "binding"
	case BindStateBound:
		return "bound"
	default:
		return "unknown"
	}
}

// AttemptKey identifies one bind attempt. A new connection identity or a
// new token produces a fresh key, which is what makes a failed attempt
// eligible again after a genuine reconnection.
type AttemptKey struct {
	ConnectionID string
	RoomCode     string
	SessionToken string
}

type flight struct {
	key     AttemptKey
	waiters []chan error
}

// Binder associates a session token with the current connection identity.
// It owns the bind-attempt dedup registry and the in-flight rebind flag.
// It is not safe for concurrent use; the owning client mutates it only
// from its event loop.
type Binder struct {
	state       BindState
	boundConnID string
	flight      *flight
	failed      map[AttemptKey]string
}

func NewBinder() *Binder {
	return &Binder{
		failed: make(map[AttemptKey]string),
	}
}

func (b *Binder) State() BindState {
	return b.state
}

// BoundConnectionID returns the connection identity the session is bound
// to, or "" when not bound.
func (b *Binder) BoundConnectionID() string {
	return b.boundConnID
}

// InFlight reports whether a bind attempt is outstanding.
func (b *Binder) InFlight() bool {
	return b.flight != nil
}

// Eligible reports whether a bind attempt for key should be issued.
// An attempt is not issued while another is in flight, when the session is
// already bound to this connection identity, or when this exact key has
// already been attempted and failed.
func (b *Binder) Eligible(key AttemptKey) bool {
	if key.ConnectionID == "" || key.RoomCode == "" || key.SessionToken == "" {
		return false
	}
	if b.flight != nil {
		return false
	}
	if b.state == BindStateBound && b.boundConnID == key.ConnectionID {
		return false
	}
	if _, failed := b.failed[key]; failed {
		return false
	}
	return true
}

// FailedReason returns the recorded failure reason for a key that was
// already attempted and failed.
func (b *Binder) FailedReason(key AttemptKey) (string, bool) {
	reason, ok := b.failed[key]
	return reason, ok
}

// Begin records an in-flight bind attempt and moves the binder to Binding.
// It reports false if another attempt is already in flight.
func (b *Binder) Begin(key AttemptKey) bool {
	if b.flight != nil {
		return false
	}
	b.flight = &flight{key: key}
	b.state = BindStateBinding
	return true
}

// AddWaiter attaches a caller to the in-flight attempt so that concurrent
// rebind requests coalesce onto one network call. It reports false when no
// attempt is in flight.
func (b *Binder) AddWaiter(waiter chan error) bool {
	if b.flight == nil {
		return false
	}
	b.flight.waiters = append(b.flight.waiters, waiter)
	return true
}

// FlightKey returns the key of the in-flight attempt.
func (b *Binder) FlightKey() (AttemptKey, bool) {
	if b.flight == nil {
		return AttemptKey{}, false
	}
	return b.flight.key, true
}

// Complete marks the in-flight attempt successful and binds to its
// connection identity. It returns the waiters to notify.
func (b *Binder) Complete() []chan error {
	if b.flight == nil {
		return nil
	}
	waiters := b.flight.waiters
	b.state = BindStateBound
	b.boundConnID = b.flight.key.ConnectionID
	b.flight = nil
	// A successful bind obsoletes the failure history; older keys can
	// never fire again anyway and the registry must not grow unbounded.
	b.failed = make(map[AttemptKey]string)
	return waiters
}

// Fail marks the in-flight attempt failed, records its key so the same
// attempt is not retried automatically, and returns the waiters to notify.
func (b *Binder) Fail(reason string) []chan error {
	if b.flight == nil {
		return nil
	}
	waiters := b.flight.waiters
	b.failed[b.flight.key] = reason
	b.flight = nil
	b.state = BindStateUnbound
	b.boundConnID = ""
	return waiters
}

// MarkBound records a bind established implicitly, i.e. by a create-room
// or join-room operation on the given connection identity.
func (b *Binder) MarkBound(connID string) {
	b.state = BindStateBound
	b.boundConnID = connID
	b.failed = make(map[AttemptKey]string)
}

// Reset discards all binder state, including the dedup registry.
// Waiters of any in-flight attempt are returned so they can be failed.
func (b *Binder) Reset() []chan error {
	var waiters []chan error
	if b.flight != nil {
		waiters = b.flight.waiters
	}
	b.state = BindStateUnbound
	b.boundConnID = ""
	b.flight = nil
	b.failed = make(map[AttemptKey]string)
	return waiters
}

// IsTerminalReason classifies a rejection reason. Terminal failures mean
// the session cannot be recovered and must be discarded rather than
// retried.
func IsTerminalReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, terminal := range []string{
		messages.ErrorReasonSessionExpired,
		messages.ErrorReasonSeatUnavailable,
		messages.ErrorReasonGraceExpired,
	} {
		if strings.Contains(lower, terminal) {
			return true
		}
	}
	return false
}
