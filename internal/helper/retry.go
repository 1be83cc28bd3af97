package helper

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

// RetryPolicy bounds how often and how fast transient failures of the blob store and the ledger
// are retried.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts uint
	// Delay is the initial backoff. It doubles with every retry.
	Delay time.Duration
	// MaxDelay caps the backoff between two attempts.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used when no policy has been configured.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Delay:    100 * time.Millisecond,
	MaxDelay: 5 * time.Second,
}

// NoRetry calls a function exactly once.
var NoRetry = RetryPolicy{Attempts: 1}

// Retry calls fn until it succeeds, returns an error that is not retryable according to
// commonerr.IsRetryable, the context is done or the retry budget is exhausted. The error of the
// last attempt is returned. onRetry is optional and invoked before every retry.
func (p RetryPolicy) Retry(ctx context.Context, logger logrus.FieldLogger, op string, fn func() error, onRetry func(attempt uint, err error)) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(commonerr.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			if logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"op":      op,
					"attempt": n + 1,
				}).Warn("retrying transient failure")
			}
			if onRetry != nil {
				onRetry(n, err)
			}
		}),
	)
}
