package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxJitter   = 250 * time.Millisecond
)

// RetryPolicy is exponential backoff with uniform jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	// timer replaces the wall-clock wait between attempts in tests.
	timer backoff.Timer
}

// DefaultRetryPolicy returns 3 attempts, 500ms base, 250ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxJitter:   DefaultMaxJitter,
	}
}

// jittered adds uniform jitter in [0, max) to every interval.
type jittered struct {
	backoff.BackOff
	max time.Duration
}

func (j jittered) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop || j.max <= 0 {
		return d
	}
	return d + rand.N(j.max)
}

// newBackOff doubles from BaseDelay with no upper bound or deadline. The
// attempt limit is applied by Do.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Duration(math.MaxInt64)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return jittered{BackOff: exp, max: p.MaxJitter}
}

// Backoff is the wait after the given failed attempt (1-based):
// BaseDelay*2^(attempt-1) plus jitter in [0, MaxJitter).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(attempts-1)), ctx)

	made := 0
	operation := func() error {
		made++
		err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("llm request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", made),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, p.timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%s failed after %d attempt(s): %w", op, made, err)
}
