// Package retry re-executes failing operations with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Default policy values.
const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = 1 * time.Second
	DefaultBackoffFactor = 2.0
)

// Policy configures Do. The first execution counts as attempt 1; there is no jitter.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	Logger        zerolog.Logger
	Name          string // operation name used in log lines

	sleep func(context.Context, time.Duration) error
}

// DefaultPolicy returns 3 attempts, 1s initial delay, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		InitialDelay:  DefaultInitialDelay,
		BackoffFactor: DefaultBackoffFactor,
		Logger:        zerolog.Nop(),
	}
}

// Do invokes op until it succeeds or MaxAttempts consecutive failures occur,
// then returns the last error. Between attempts it sleeps for the current
// delay and multiplies the delay by BackoffFactor. A cancelled context stops
// the wait and returns the last operation error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := p.InitialDelay
	attempt := 0
	for {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		attempt++
		p.Logger.Warn().
			Err(err).
			Str("operation", p.Name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("attempt failed")
		if attempt >= maxAttempts {
			return value, err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return value, err
		}
		delay = time.Duration(float64(delay) * factor)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
