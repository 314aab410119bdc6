package spv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// errPermanent marks failures that retrying can't fix.
type errPermanent struct {
	err error
}

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func permanent(err error) error {
	return errPermanent{err}
}

// retryable reports whether another attempt may get a different answer.
func retryable(err error) bool {
	if errors.Is(err, ErrStaleSnapshot) ||
		errors.Is(err, ErrInconsistentSnapshot) ||
		errors.Is(err, ErrServiceUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryFetch calls op until it succeeds, fails with an error that isn't
// retryable or attempts run out, sleeping backoff*attempt in between. Errors
// that aren't retryable are returned as is. Exhaustion returns
// ErrStaleSnapshot when every failure was staleness and ErrInconsistentSnapshot
// otherwise, both wrapping the last failure.
func retryFetch(ctx context.Context, attempts int, backoff time.Duration,
	logger *zap.Logger, op func(ctx context.Context) error) error {

	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	stale := 0
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm errPermanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch aborted: %w", ctxErr)
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		if errors.Is(err, ErrStaleSnapshot) {
			stale++
		}
		logger.Warn("fetch attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.Error(err))

		if attempt < attempts-1 {
			select {
			case <-time.After(backoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return fmt.Errorf("fetch aborted: %w", ctx.Err())
			}
		}
	}

	if stale == attempts {
		return fmt.Errorf("%w: gave up after %d attempts: %w", ErrStaleSnapshot, attempts, lastErr)
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrInconsistentSnapshot, attempts, lastErr)
}
