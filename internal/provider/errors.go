package provider

import (
	"fmt"
	"time"
)

// ErrorKind classifies a completion failure for the dispatcher's retry
// policy.
type ErrorKind int

const (
	// KindTransient covers 5xx and network-level failures; retried with
	// backoff up to the attempt ceiling.
	KindTransient ErrorKind = iota
	// KindRateLimited means the provider asked us to slow down; retried
	// after the provider-specified delay.
	KindRateLimited
	// KindTimeout means the per-call deadline elapsed; retried like a
	// transient failure.
	KindTimeout
	// KindFatal covers auth and request errors; never retried.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified completion failure.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // set when Kind == KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("provider: %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry this failure.
func (e *Error) Retryable() bool { return e.Kind != KindFatal }
