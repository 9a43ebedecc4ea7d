// Package apperr defines the error kinds surfaced by the matching engine.
// Callers classify errors with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrState            = errors.New("illegal state transition")
	ErrAlreadyResponded = errors.New("match already responded")
	ErrNotFound         = errors.New("not found")
	ErrPersistence      = errors.New("persistence failure")
)

// InvalidInput reports a malformed or missing request field.
func InvalidInput(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidInput, field, reason)
}

// NotFound reports a missing request or match.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, entity, id)
}

// Persistence wraps a failed store call.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	Entity string // "request" or "match"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot move %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool { return target == ErrState }
