package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPolicy(max int, delay time.Duration, factor float64) (Policy, *[]time.Duration) {
	var slept []time.Duration
	p := DefaultPolicy()
	p.MaxAttempts = max
	p.InitialDelay = delay
	p.BackoffFactor = factor
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p, slept := recordingPolicy(3, time.Second, 2)
	calls := 0

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_ExponentialBackoff(t *testing.T) {
	p, slept := recordingPolicy(4, time.Second, 2)
	calls := 0

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fmt.Errorf("failure %d", calls)
	})

	require.Error(t, err)
	assert.Equal(t, "failure 4", err.Error(), "last error is returned")
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestDo_RecoversBeforeExhaustion(t *testing.T) {
	p, slept := recordingPolicy(3, 10*time.Millisecond, 3)
	calls := 0

	v, err := DoValue(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, *slept)
}

func TestDo_NonPositiveAttemptsRunsOnce(t *testing.T) {
	p, _ := recordingPolicy(0, time.Second, 2)
	calls := 0

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, "down", err.Error())
	assert.Equal(t, 1, calls)
}

func TestSleepContext_RealDelay(t *testing.T) {
	start := time.Now()
	require.NoError(t, sleepContext(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
