package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout means uciok or readyok was not seen within the
	// read deadline. The session is not started.
	ErrHandshakeTimeout = errors.New("engine handshake timeout")
	// ErrReadTimeout means a search produced no output within the read
	// deadline. The session should be restarted.
	ErrReadTimeout = errors.New("engine read timeout")
	// ErrProcessDied means the engine output closed unexpectedly.
	ErrProcessDied = errors.New("engine process died")
	// ErrNotReady is returned for searches against a session that is not Ready.
	ErrNotReady = errors.New("engine not ready")
	// ErrInvalidRequest is returned for requests rejected before reaching the engine.
	ErrInvalidRequest = errors.New("invalid analysis request")
)

// SessionError records the session step that failed.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return err
	}
	return &SessionError{Op: op, Err: err}
}

// errorKind is the label used for metrics and logs.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrProcessDied):
		return "process_died"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
