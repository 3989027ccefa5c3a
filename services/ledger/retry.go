package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const DefaultRetryAttempts = 5

// Retry runs op until it succeeds, fails with anything other than a
// concurrency conflict, or attempts are used up.
func Retry(ctx context.Context, attempts int, op func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		conflictRetries.Inc()
		zap.L().Debug("retrying after concurrency conflict", zap.Duration("wait", wait), zap.Error(err))
	})
}
