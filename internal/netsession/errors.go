package netsession

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is returned when an operation is not legal in the
	// session's current role or state. No side effect has taken place.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSessionDisposed is returned by operations on a disposed session.
	ErrSessionDisposed = errors.New("session disposed")
	// ErrBufferTooSmall is returned by ReceiveData when the caller's buffer
	// cannot hold the next packet. The packet stays queued.
	ErrBufferTooSmall = errors.New("buffer too small for incoming packet")
)

// NetError reports a transport failure while establishing or extending a
// session. No session is left live after a NetError from construction.
type NetError struct {
	UserID   string
	Code     int
	Category int
}

// NetError categories name the operation that failed.
const (
	NetCategoryStart = iota + 1
	NetCategorySearch
	NetCategoryHost
	NetCategoryJoin
	NetCategorySession
)

func (e *NetError) Error() string {
	return fmt.Sprintf("net error: user=%s code=0x%06x category=%d", e.UserID, e.Code, e.Category)
}

// JoinErrorReason classifies join failures the caller can act on.
type JoinErrorReason int

const (
	JoinErrorSessionNotFound JoinErrorReason = iota + 1
	JoinErrorSessionFull
	JoinErrorSessionLocked
)

// String returns the reason name.
func (r JoinErrorReason) String() string {
	switch r {
	case JoinErrorSessionNotFound:
		return "SessionNotFound"
	case JoinErrorSessionFull:
		return "SessionFull"
	case JoinErrorSessionLocked:
		return "SessionLocked"
	default:
		return fmt.Sprintf("JoinErrorReason(%d)", int(r))
	}
}

// JoinError is returned when a join is refused for a known reason.
type JoinError struct {
	Reason JoinErrorReason
	Code   int
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed: %s (code=0x%06x)", e.Reason, e.Code)
}

func invalidOp(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
