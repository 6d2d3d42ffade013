// Package retry runs fallible steps (navigation, login) under a bounded
// attempt count with a fixed backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Operation is one attempt of a retried step.
type Operation func(ctx context.Context) error

// Policy holds retry configuration. The zero value runs the operation once.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff is the delay between attempts.
	Backoff time.Duration

	// RetryIf decides whether an error is worth another attempt.
	// Nil means DefaultRetryIf.
	RetryIf func(error) bool

	// Name labels log lines ("navigate", "login").
	Name string
}

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// DefaultRetryIf retries everything except cancellation and errors marked
// Permanent. A DeadlineExceeded from a per-attempt timeout is retryable;
// Do stops on its own once the parent context is done.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p *Permanent
	return !errors.As(err, &p)
}

// Do executes op until it succeeds, the attempts run out, the error is not
// retryable, or ctx is done. The last error is returned wrapped with the
// number of attempts actually made.
func (p Policy) Do(ctx context.Context, op Operation) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Debug("retry: succeeded after retry", "op", p.Name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry: %s cancelled after %d attempts: %w: %w", p.Name, made, ctxErr, err)
		}
		if !retryIf(err) || attempt == attempts {
			break
		}

		slog.Warn("retry: attempt failed",
			"op", p.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay_ms", p.Backoff.Milliseconds(),
			"error", err,
		)
		if err := Wait(ctx, p.Backoff); err != nil {
			return fmt.Errorf("retry: %s cancelled: %w", p.Name, err)
		}
	}
	if made == 1 {
		return lastErr
	}
	return fmt.Errorf("retry: %s failed after %d attempts: %w", p.Name, made, lastErr)
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
