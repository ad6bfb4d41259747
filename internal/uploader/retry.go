package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	apperrors "github.com/alexjbarnes/dirsync/internal/errors"
)

const (
	backoffMinUnits = 1
	backoffMaxUnits = 5
)

// retrier re-runs a remote operation with a random pause between
// attempts. Every error is treated as transient.
type retrier struct {
	attempts int
	unit     time.Duration
	logger   *slog.Logger

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
	// units picks the backoff multiplier in [backoffMinUnits, backoffMaxUnits].
	units func() int
}

func newRetrier(attempts int, unit time.Duration, logger *slog.Logger) *retrier {
	return &retrier{
		attempts: attempts,
		unit:     unit,
		logger:   logger,
		sleep:    sleepCtx,
		units: func() int {
			return backoffMinUnits + rand.Intn(backoffMaxUnits-backoffMinUnits+1) //nolint:gosec // G404: backoff jitter, no security impact
		},
	}
}

// operation names the work being retried for log lines and errors.
type operation struct {
	kind   string // "Folder" or "File"
	local  string
	remote string
}

// withRetry calls fn up to r.attempts times and returns the first
// success. After the last failure it returns an error wrapping both
// ErrRetriesExhausted and the final cause.
func withRetry[T any](ctx context.Context, r *retrier, op operation, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= r.attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		lastErr = err

		r.logger.Error(fmt.Sprintf("[%s ERROR] %s -> %s", op.kind, op.local, op.remote),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.attempts),
			slog.String("error", err.Error()),
		)

		if attempt == r.attempts {
			break
		}

		wait := time.Duration(r.units()) * r.unit
		r.logger.Info(fmt.Sprintf("[%s RETRY] %s -> %s", op.kind, op.local, op.remote),
			slog.Int("next_attempt", attempt+1),
			slog.Duration("wait", wait),
		)

		if err := r.sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s %s: %w", op.kind, op.local, err)
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRetriesExhausted, r.attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
