package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryFirstAttemptSucceeds(t *testing.T) {
	res := Retry(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, res.TotalDelay)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Microsecond}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("ECONNRESET while reading")
		}
		return 42, nil
	})
	require.True(t, res.Success)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Microsecond}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("validation failed: bad address")
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	res := Retry(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Microsecond}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("rate limit exceeded")
	})
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.EqualError(t, res.Err, "rate limit exceeded")
}

func TestRetryDelayFormula(t *testing.T) {
	var delays []time.Duration
	cfg := RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		JitterFactor: 0.5,
		OnRetry:      func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
		randFloat:    func() float64 { return 1.0 },
	}
	Retry(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	require.Len(t, delays, 3)
	// base·2^(k−1)·(1+jitter), capped at MaxDelay.
	assert.Equal(t, 1500*time.Microsecond, delays[0])
	assert.Equal(t, 3*time.Millisecond, delays[1])
	assert.Equal(t, 3*time.Millisecond, delays[2])
}

func TestRetryHonoursContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Retry(ctx, RetryConfig{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("timeout")
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDefaultIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"network error":                      true,
		"connect: ECONNREFUSED":              true,
		"read: ECONNRESET":                   true,
		"ETIMEDOUT on dial":                  true,
		"request timeout":                    true,
		"socket hang up":                     true,
		"rate limit exceeded":                true,
		"got 429 Too Many Requests":          true,
		"upstream returned 503":              true,
		"Internal Server Error":              true,
		"validation failed":                  false,
		"receipt not found":                  false,
		"signature invalid for leaf 0x5aa00": false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, DefaultIsRetryable(errors.New(msg)), msg)
	}
	assert.False(t, DefaultIsRetryable(nil))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second, SuccessThreshold: 2}).
		WithClock(func() time.Time { return now })

	boom := errors.New("boom")
	b.Failure(boom)
	b.Failure(boom)
	require.NoError(t, b.Allow())
	require.Equal(t, StateClosed, b.State())

	b.Failure(boom)
	require.Equal(t, StateOpen, b.State())

	err := b.Allow()
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 3, open.Failures)
	assert.Equal(t, 30*time.Second, open.Remaining)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second, SuccessThreshold: 2}).
		WithClock(func() time.Time { return now })

	b.Failure(errors.New("boom"))
	require.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.Success()
	require.Equal(t, StateHalfOpen, b.State())
	b.Success()
	require.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second, SuccessThreshold: 2}).
		WithClock(func() time.Time { return now })

	b.Failure(errors.New("boom"))
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure(errors.New("boom again"))
	require.Equal(t, StateOpen, b.State())

	err := b.Allow()
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestBreakerSuccessResetsClosedCount(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second, SuccessThreshold: 1})
	b.Failure(errors.New("one"))
	b.Success()
	b.Failure(errors.New("two"))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIsFailureFilter(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		SuccessThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	b.Failure(context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	b.Failure(errors.New("real"))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	now := time.Unix(0, 0)
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		SuccessThreshold: 1,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, fmt.Sprintf("%s>%s", from, to))
		},
	}).WithClock(func() time.Time { return now })

	b.Failure(errors.New("boom"))
	now = now.Add(2 * time.Second)
	_ = b.Allow()
	b.Success()

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestResilientRecordsOneFailurePerExhaustedLoop(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute, SuccessThreshold: 1})
	retry := &RetryConfig{MaxRetries: 3, BaseDelay: time.Microsecond}

	_, err := Resilient(context.Background(), retry, b, func(context.Context) (int, error) {
		return 0, errors.New("connection timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, b.Failures(), "four failed attempts must count as one breaker failure")
	assert.Equal(t, StateClosed, b.State())
}

func TestResilientFailsFastWhenOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 1}).
		WithClock(func() time.Time { return now })
	b.Failure(errors.New("prior"))

	calls := 0
	_, err := Resilient(context.Background(), nil, b, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Zero(t, calls, "open breaker must reject before the call")
	assert.Equal(t, 1, b.Failures(), "rejection must not count as a new failure")
}

func TestResilientSuccessFeedsBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 1}).
		WithClock(func() time.Time { return now })
	b.Failure(errors.New("prior"))
	now = now.Add(2 * time.Second)

	v, err := Resilient(context.Background(), nil, b, func(context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, StateClosed, b.State())
}
