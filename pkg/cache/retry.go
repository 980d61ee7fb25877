package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

// RetryPolicy bounds retries of durable tier operations
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetry returns 3 attempts, 10ms-200ms delay
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// permanent reports errors that a retry cannot fix
func permanent(err error) bool {
	return errors.Is(err, storage.ErrImportNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn with exponential backoff. Exhausted retries are reported
// as a TransientStorageError.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := m.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := m.retry.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		m.metrics.l2Retries.Inc()
		m.logger.Debug("retrying storage operation", "op", op, "attempt", attempt, "err", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * m.retry.Multiplier)
		if delay > m.retry.MaxDelay {
			delay = m.retry.MaxDelay
		}
	}

	m.metrics.l2Failures.Inc()
	return summary.Transient(op, err)
}
