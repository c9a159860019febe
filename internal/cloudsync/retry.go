package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"casesync/internal/snapshot"
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isTransient reports whether a remote failure may succeed on a later attempt.
// Unknown errors are treated as network trouble and retried.
func isTransient(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, snapshot.ErrEncodeSnapshot) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", // connection exception
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (admin shutdown, cannot connect now)
			return true
		default:
			return false
		}
	}
	return true
}

// withRetry runs fn up to MaxAttempts times with a fixed delay between
// attempts. There is no backoff.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error, logArgs ...any) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		e.log.Warn("Remote operation failed, retrying",
			append([]any{"op", op, "attempt", attempt, "error", err}, logArgs...)...)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(e.opts.RetryDelay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, e.opts.MaxAttempts, err)
}
