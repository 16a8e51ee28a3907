package dispatch

import (
	"errors"
	"time"

	"github.com/nextlevelbuilder/bridgebot/internal/gateway"
	"github.com/nextlevelbuilder/bridgebot/internal/provider"
)

// retryPolicy owns the backoff schedule for both completion and send
// failures. The clients themselves never retry.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

// next returns the delay before retry number attempt (0-based: the delay
// after the first failure is next(0)), and whether a retry is allowed at
// all. Rate-limited failures wait the provider-specified delay, capped;
// everything else retryable backs off exponentially from base.
func (p retryPolicy) next(attempt int, err error) (time.Duration, bool) {
	if attempt+1 >= p.maxAttempts {
		return 0, false
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case provider.KindFatal:
			return 0, false
		case provider.KindRateLimited:
			d := perr.RetryAfter
			if d <= 0 {
				d = p.backoff(attempt)
			}
			if d > p.max {
				d = p.max
			}
			return d, true
		default:
			return p.backoff(attempt), true
		}
	}

	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		if !gerr.Retryable() {
			return 0, false
		}
		return p.backoff(attempt), true
	}

	// Unclassified errors are treated as transient.
	return p.backoff(attempt), true
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	d := p.base << uint(attempt)
	if d > p.max || d <= 0 {
		d = p.max
	}
	return d
}
