package storage

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/runnerr0/presence/internal/metrics"
	"github.com/runnerr0/presence/internal/presence"
)

// errInvalidWrite marks writes rejected before reaching the database.
var errInvalidWrite = errors.New("invalid write")

// RetryPolicy bounds how store writes are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the storage defaults of the config file.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retryWrite runs fn until it succeeds, fails permanently, or the policy is
// exhausted. Exhaustion is reported as *presence.PersistenceWriteError.
func retryWrite(ctx context.Context, log slog.Logger, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	var last error

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, next time.Duration) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		log.Warn(ctx, "store write failed, retrying",
			slog.F("op", op),
			slog.F("attempt", attempts),
			slog.F("next", next),
			slog.Error(err),
		)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	metrics.StoreFailures.WithLabelValues(op).Inc()
	if last == nil {
		last = err
	}
	return &presence.PersistenceWriteError{Op: op, Attempts: attempts, Err: last}
}

// transient reports whether a write error is worth retrying. Constraint
// violations and cancellation never are.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errInvalidWrite) {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code != sqlite3.ErrConstraint
	}
	return true
}
