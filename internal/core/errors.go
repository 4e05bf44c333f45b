package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrIncompatible  = errors.New("incompatible")
	ErrInvalidState  = errors.New("invalid state")
	ErrEngineFatal   = errors.New("media engine died")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadPayload    = errors.New("bad payload")
	ErrRateLimited   = errors.New("rate limited")
	ErrInternal      = errors.New("internal error")
)

// EngineError is a failed call into the media engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

// ErrorCode maps err to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIncompatible):
		return "incompatible"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrEngineFatal):
		return "engine_fatal"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return "engine_failure"
	}
	return "internal"
}
