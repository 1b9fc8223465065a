package broker

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a broker failure.
type Kind int

const (
	// KindPermanent failures will fail again: validation, insufficient
	// buying power, unknown symbol. Never retried.
	KindPermanent Kind = iota
	// KindTransient failures may succeed on retry: timeouts, rate limits,
	// 5xx responses, dropped connections.
	KindTransient
	// KindNotFound means the broker has no record of the object.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against any *Error of that kind.
var (
	ErrPermanent = errors.New("broker: permanent failure")
	ErrTransient = errors.New("broker: transient failure")
	ErrNotFound  = errors.New("broker: not found")
)

// Error is a classified broker failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Permanent, Transient and NotFound build classified errors.
func Permanent(op string, err error) error { return &Error{Kind: KindPermanent, Op: op, Err: err} }
func Transient(op string, err error) error { return &Error{Kind: KindTransient, Op: op, Err: err} }
func NotFound(op string, err error) error  { return &Error{Kind: KindNotFound, Op: op, Err: err} }

// IsTransient reports whether err is worth retrying. Unclassified errors and
// deadline expiry count as transient; cancellation does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindTransient
	}
	return true
}

// IsNotFound reports whether the broker has no record of the object.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermanent reports whether err is a terminal broker rejection.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
