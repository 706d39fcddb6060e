package contracts

import (
	"errors"
	"fmt"
)

// ErrStaleUpdate matches every StaleUpdateError
var ErrStaleUpdate = errors.New("stale update")

// SerializationError reports a payload that does not match the expected
// message shape. The message is dead-lettered and consumption continues.
type SerializationError struct {
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot decode %s: %v", e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false; redelivering the same bytes cannot succeed
func (e *SerializationError) IsRetryable() bool {
	return false
}

// HandlerError wraps a failure raised by a domain handler
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// StaleUpdateError describes a sync update older than the stored record.
// It is not a failure: the update is acknowledged without effect.
type StaleUpdateError struct {
	SubjectID int64
	Incoming  int64
	Current   int64
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("stale update for subject %d: incoming timestamp %d, stored %d", e.SubjectID, e.Incoming, e.Current)
}

// Is reports whether target is ErrStaleUpdate
func (e *StaleUpdateError) Is(target error) bool {
	return target == ErrStaleUpdate
}
