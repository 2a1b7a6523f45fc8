// Package retry implements the pipeline's backoff policy: exponential growth
// with jitter, capped delay, and a bounded attempt budget.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/logflow/tickflow/pkg/clock"
	"github.com/logflow/tickflow/pkg/errors"
)

// Policy configures exponential backoff.
type Policy struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`       // randomization factor, 0..1
	MaxAttempts int           `yaml:"max_attempts"` // total tries including the first
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Backoff produces successive delays for one failure streak.
type Backoff struct {
	exp      *backoff.ExponentialBackOff
	max      time.Duration
	failures int
}

// NewBackoff creates a delay generator for p. c drives elapsed-time
// bookkeeping inside the backoff library and may be nil.
func (p Policy) NewBackoff(c clock.Clock) *Backoff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Clock = clock.OrReal(c)
	exp.Reset()
	return &Backoff{exp: exp, max: p.Max}
}

// Next returns the delay before the next attempt. It never exceeds the
// policy's Max, even after jitter.
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	return d
}

// Reset starts a new failure streak.
func (b *Backoff) Reset() {
	b.failures = 0
	b.exp.Reset()
}

// Failures returns the length of the current failure streak.
func (b *Backoff) Failures() int {
	return b.failures
}

// ExhaustedError is returned when the attempt budget runs out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Notify is called before each backoff sleep.
type Notify func(attempt int, delay time.Duration, err error)

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// the attempt budget, or ctx is canceled.
func Do(ctx context.Context, c clock.Clock, p Policy, op func(ctx context.Context, attempt int) error, notify Notify) error {
	p = p.normalized()
	c = clock.OrReal(c)
	b := p.NewBackoff(c)

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if !errors.IsRetryable(last) {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := b.Next()
		if notify != nil {
			notify(attempt, delay, last)
		}
		if err := clock.Sleep(ctx, c, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Err: last}
}
