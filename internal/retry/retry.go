// Package retry provides exponential backoff with jitter for transient
// failures against the GitLab API and the LLM backend.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls the backoff schedule for a retried operation.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// Jitter randomizes each delay by up to 10% in either direction.
	Jitter bool
}

// DefaultConfig suits GitLab API calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Tuned builds a Config from runtime knobs, keeping the defaults for
// anything left unset.
func Tuned(maxRetries int, baseDelay time.Duration, multiplier float64) Config {
	cfg := DefaultConfig()
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if baseDelay > 0 {
		cfg.BaseDelay = baseDelay
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	return cfg
}

// ExhaustedError reports that every attempt of an operation failed.
// It wraps the error from the final attempt.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// retriable is implemented by errors that know whether another attempt
// can succeed, such as API errors carrying an HTTP status.
type retriable interface {
	Retriable() bool
}

// IsRetryable classifies an error without inspecting its message. Typed
// errors decide for themselves; network and deadline errors are always
// worth another attempt; anything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Do runs fn until it succeeds, returns a permanent error, or the retry
// budget runs out. The context is honored both between attempts and for
// the backoff sleep. On exhaustion the returned error is an
// *ExhaustedError wrapping the last failure.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt > 0 {
			delay := backoffDelay(cfg, attempt-1)
			log.Debug().
				Str("operation", op).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.MaxRetries+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying after failure")

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				log.Debug().
					Str("operation", op).
					Int("attempt", attempt+1).
					Msg("Succeeded after retry")
			}
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return &ExhaustedError{Op: op, Attempts: cfg.MaxRetries + 1, Err: lastErr}
}

// backoffDelay computes the wait before retry number n (zero-based),
// growing exponentially and capped at MaxDelay.
func backoffDelay(cfg Config, n int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(n))
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	if cfg.Jitter {
		// Up to 10% in either direction keeps simultaneous clients
		// from hammering the backend in lockstep.
		jitter := delay * 0.1 * (rand.Float64()*2 - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
