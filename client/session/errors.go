package session

import "errors"

// ErrTerminalSession is returned when a bind attempt failed with a reason
// classified as terminal. The session and its persisted record have
// already been discarded by the time callers see this error.
type ErrTerminalSession struct {
	Reason string
}

func (e *ErrTerminalSession) Error() string {
	return SessionExpiredMessage
}

func IsTerminalSession(err error) bool {
	var target *ErrTerminalSession
	return errors.As(err, &target)
}
