package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies remote execution failures.
type ErrorKind string

const (
	KindUnreachable   ErrorKind = "unreachable"
	KindAuthFailed    ErrorKind = "auth_failed"
	KindTimeout       ErrorKind = "timeout"
	KindCommandFailed ErrorKind = "command_failed"
	KindNotFound      ErrorKind = "not_found"
)

// Error is returned by every Executor failure.
type Error struct {
	Kind     ErrorKind
	TargetID string
	// Output holds whatever the command printed before failing.
	Output string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrUnreachable   = &Error{Kind: KindUnreachable}
	ErrAuthFailed    = &Error{Kind: KindAuthFailed}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrCommandFailed = &Error{Kind: KindCommandFailed}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

func newError(kind ErrorKind, targetID string, err error) *Error {
	return &Error{Kind: kind, TargetID: targetID, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.TargetID == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("target %s: %s", e.TargetID, e.Kind)
	default:
		return fmt.Sprintf("target %s: %s: %v", e.TargetID, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind against a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.TargetID == "" && t.Err == nil
}

// KindOf returns the kind of a remote error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsConnectionError reports whether err means the target could not be
// talked to at all, as opposed to a command that ran and failed.
func IsConnectionError(err error) bool {
	switch KindOf(err) {
	case KindUnreachable, KindAuthFailed, KindTimeout, KindNotFound:
		return true
	default:
		return false
	}
}
