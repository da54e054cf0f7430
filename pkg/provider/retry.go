package provider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy is the exponential backoff a provider applies to its own
// transient failures before reporting them.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns three attempts starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// retryable reports whether a classified failure may succeed on another try.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error is returned.
func (p RetryPolicy) do(ctx context.Context, log logrus.FieldLogger, fn func(context.Context) error) error {
	p = p.normalized()
	delay := p.InitialDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt == p.MaxAttempts {
			return err
		}

		log.WithField("attempt", attempt).Debugf("transient failure, retrying in %s: %v", delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
