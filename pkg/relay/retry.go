package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryTransient runs op with exponential backoff up to maxAttempts.
// Moderation rejections, auth failures, and context cancellation abort
// immediately; they are never retried.
func retryTransient(ctx context.Context, base time.Duration, maxAttempts uint64, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	return backoff.Retry(func() error {
		err := op()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}
