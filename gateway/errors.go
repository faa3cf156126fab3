package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Class buckets every gateway failure into one of the four behaviors the
// relay distinguishes: retry with backoff, retry after a mandated delay,
// one-shot recreate, or give up for good.
type Class int

const (
	Transient Class = iota
	RateLimited
	NotFound
	Permanent
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate-limited"
	case NotFound:
		return "not-found"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

type Error struct {
	Class      Class
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func TransientErr(err error) *Error {
	return &Error{Class: Transient, Err: err}
}

func RateLimitedErr(retryAfter time.Duration, err error) *Error {
	return &Error{Class: RateLimited, RetryAfter: retryAfter, Err: err}
}

func NotFoundErr(err error) *Error {
	return &Error{Class: NotFound, Err: err}
}

func PermanentErr(err error) *Error {
	return &Error{Class: Permanent, Err: err}
}

// Classify returns the failure class of err. Unclassified errors are treated
// as transient, which keeps unknown network conditions retryable.
func Classify(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return Transient
}

func IsNotFound(err error) bool {
	return Classify(err) == NotFound
}

func IsPermanent(err error) bool {
	return Classify(err) == Permanent
}

// RetryDelay returns the platform-mandated wait for rate-limited errors,
// zero otherwise.
func RetryDelay(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) && ge.Class == RateLimited {
		return ge.RetryAfter
	}
	return 0
}
