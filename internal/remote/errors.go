package remote

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error returned by a Transport wraps exactly one
// of these so callers can branch with errors.Is.
var (
	ErrConnection     = errors.New("connection error")
	ErrTimeout        = errors.New("timeout")
	ErrServer         = errors.New("server error")
	ErrAuthentication = errors.New("authentication failed")
	ErrPermission     = errors.New("permission denied")
	ErrValidation     = errors.New("validation error")
	ErrDataIntegrity  = errors.New("data integrity error")
)

// Error is a failed remote call.
type Error struct {
	Op      string // "authenticate", "search", "create"
	Code    int    // HTTP status or JSON-RPC error code, 0 if none
	Message string // message reported by the remote, verbatim
	Kind    error  // one of the sentinels above
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (code %d): %s", e.Op, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewError builds an *Error.
func NewError(op string, kind error, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// IsTransient reports whether err is worth retrying at the connection level.
// Only connection failures and timeouts qualify.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout)
}

// Message returns the remote's own message for err, or err.Error() when err
// did not come from the remote.
func Message(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
