package dreshard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryInitialInterval and RetryMaxInterval bound the backoff used by RetryTransient
var (
	RetryInitialInterval = 50 * time.Millisecond
	RetryMaxInterval     = 2 * time.Second
)

// RetryTransient runs fn until it succeeds, returns a non transient error or ctx is done.
// Transient errors are retried with exponential backoff.
func RetryTransient(ctx context.Context, what string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logrus.WithError(err).WithField("retry_in", next).Debug(what + ": transient error, retrying")
	}

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
