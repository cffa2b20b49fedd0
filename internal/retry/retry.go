package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
)

// Policy is the shared retry schedule used by every collaborator adapter:
// bounded exponential backoff with jitter. One policy object per process,
// built from config, so there are no ad hoc retry loops.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func FromConfig(c config.Retry) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(c.BackoffMaxMs) * time.Millisecond,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff and jitter. It stops early on context cancellation
// or when fn returns a Permanent error.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == p.MaxAttempts {
			break
		}

		backoff := p.delay(attempt)
		observ.IncCounter("retry_attempts_total", map[string]string{"op": op})
		observ.Log("retry_backoff", map[string]any{
			"op":         op,
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error":      lastErr.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	observ.IncCounter("retry_exhausted_total", map[string]string{"op": op})
	return lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	backoff := time.Duration(float64(p.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if backoff > p.BackoffMax {
		backoff = p.BackoffMax
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
	return backoff + jitter
}
