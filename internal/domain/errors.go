package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the ledgers. Callers match them with
// errors.Is; the concrete error usually carries more context.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrOverfill          = errors.New("fill exceeds order quantity")
	ErrOverClose         = errors.New("fill exceeds open position quantity")
	ErrUnknownSide       = errors.New("unknown side")
	ErrStaleVersion      = errors.New("stale version")
	ErrTradingHalted     = errors.New("trading halted")
)

// TransitionError reports a rejected move in one of the lifecycle graphs.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s -> %s: %v", e.Entity, e.From, e.To, ErrInvalidTransition)
	}
	return fmt.Sprintf("%s %s: %s -> %s: %v", e.Entity, e.ID, e.From, e.To, ErrInvalidTransition)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for every TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Invalid wraps ErrValidation with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
