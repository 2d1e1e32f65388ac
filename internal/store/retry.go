package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxWriteAttempts and the backoff schedule implement the retry policy: every tracker
// write retries up to 5 times with jittered exponential backoff on transient transport
// errors. No backoff library appears anywhere in the example pool, so this is a small
// hand-rolled loop rather than an imported dependency.
const maxWriteAttempts = 5

var baseBackoff = 50 * time.Millisecond

// WithRetry runs fn up to maxWriteAttempts times, backing off exponentially with jitter
// between attempts, stopping immediately (no retry) when fn's error is non-transient.
func WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == maxWriteAttempts-1 {
			break
		}
		delay := baseBackoff * time.Duration(1<<attempt)
		delay += time.Duration(rand.Int63n(int64(baseBackoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// IsTransient classifies an error as a retryable transport failure versus a non-retryable
// integrity violation: a connection reset is transient, a constraint violation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var invalidTransition *ErrInvalidTransition
	if errors.As(err, &invalidTransition) {
		return false
	}
	var notFound *ErrNotFound
	if errors.As(err, &notFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique_violation
			"23514", // check_violation
			"23503", // foreign_key_violation
			"22P02": // invalid_text_representation
			return false
		}
		// Any other Postgres error code (connection class, serialization failure, etc.)
		// is treated as transient and retried.
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
