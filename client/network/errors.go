package network

import (
	"errors"
	"fmt"

	"github.com/cbodonnell/roomlink/pkg/messages"
)

// ErrNotConnected is returned when an operation is attempted without a
// live connection.
type ErrNotConnected struct{}

func (e *ErrNotConnected) Error() string {
	return "not connected to server"
}

// ErrTimeout is returned when no acknowledgement arrives within the call
// timeout window.
type ErrTimeout struct {
	Operation messages.MessageType
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for acknowledgement of %s", e.Operation)
}

// ErrServerRejected is returned when the server acknowledges an operation
// with a failure reason.
type ErrServerRejected struct {
	Reason string
}

func (e *ErrServerRejected) Error() string {
	return e.Reason
}

// ErrSessionUnbound is returned when the server rejects an operation
// because the session is not bound to the current connection. This is the
// only failure class callers retry after a rebind.
type ErrSessionUnbound struct{}

func (e *ErrSessionUnbound) Error() string {
	return messages.ErrorReasonSessionUnbound
}

func IsNotConnected(err error) bool {
	var target *ErrNotConnected
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *ErrTimeout
	return errors.As(err, &target)
}

func IsSessionUnbound(err error) bool {
	var target *ErrSessionUnbound
	return errors.As(err, &target)
}

// RejectionReason extracts the server-supplied reason from an error, or
// returns the error text for transport-level failures.
func RejectionReason(err error) string {
	var rejected *ErrServerRejected
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return err.Error()
}
