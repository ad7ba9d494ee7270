package scheduler

import (
	"errors"
	"time"

	"github.com/groblegark/contentd/internal/model"
)

// ErrRetryExhausted marks an attempt that must not be retried again, either
// because the call budget is spent or the absolute expiry has passed.
var ErrRetryExhausted = errors.New("retries exhausted")

// RetryPolicy computes exponential backoff for failed flow attempts.
type RetryPolicy struct {
	// BaseDelay is the delay after the first failed attempt; each further
	// failure doubles it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxCalls bounds the total number of attempts; zero means unbounded.
	MaxCalls int
}

// DefaultRetryPolicy retries for roughly an hour before giving up.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay: 10 * time.Second,
	MaxDelay:  10 * time.Minute,
	MaxCalls:  12,
}

// Delay returns the backoff after the given number of calls (>= 1).
func (p RetryPolicy) Delay(numCalls int) time.Duration {
	if numCalls < 1 {
		numCalls = 1
	}
	d := p.BaseDelay
	for i := 1; i < numCalls; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NextAttempt computes the retry time for a flow whose latest attempt just
// failed. It returns ErrRetryExhausted when the flow must fail permanently.
func (p RetryPolicy) NextAttempt(f *model.Flow, now time.Time) (time.Time, error) {
	if p.MaxCalls > 0 && f.NumCalls >= p.MaxCalls {
		return time.Time{}, ErrRetryExhausted
	}
	next := now.Add(p.Delay(f.NumCalls))
	if f.Expires != nil && next.After(*f.Expires) {
		return time.Time{}, ErrRetryExhausted
	}
	return next, nil
}
