// Package resilience provides the retry and circuit-breaker primitives
// wrapped around every outbound RPC and HTTP call. Retries use capped
// exponential backoff with uniform jitter; the breaker fails fast while
// an upstream is unhealthy. Resilient composes the two.
package resilience

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// RetryConfig tunes one retry loop. MaxRetries counts retries after the
// initial attempt, so total attempts ≤ MaxRetries+1.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
	OnRetry      func(attempt int, err error, delay time.Duration)

	// randFloat lets tests pin the jitter draw. Nil means rand.Float64.
	randFloat func() float64
}

// RetryResult reports the outcome of a retry loop, including how many
// attempts ran and how long the loop spent sleeping between them.
type RetryResult[T any] struct {
	Success    bool
	Value      T
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

var transientPatterns = []string{
	"network",
	"econnrefused",
	"econnreset",
	"etimedout",
	"timeout",
	"socket hang up",
	"rate limit",
	"429",
	"internal server error",
}

var status5xx = regexp.MustCompile(`\b5\d{2}\b`)

// DefaultIsRetryable classifies transient transport failures by
// message: connection resets, timeouts, rate limits, and 5xx statuses.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return status5xx.MatchString(msg)
}

// Retry runs fn up to cfg.MaxRetries+1 times. The delay between attempt
// k and k+1 is min(base·2^(k−1) + U(0, base·2^(k−1)·jitter), maxDelay).
// A context cancellation stops the loop immediately with ctx.Err.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	isRetryable := cfg.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}
	randFloat := cfg.randFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}

	var res RetryResult[T]
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		res.Attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Value = v
			res.Err = nil
			return res
		}
		res.Err = err

		if attempt > cfg.MaxRetries || !isRetryable(err) {
			return res
		}

		exp := cfg.BaseDelay << uint(attempt-1)
		delay := exp + time.Duration(randFloat()*float64(exp)*cfg.JitterFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			return res
		case <-timer.C:
		}
		res.TotalDelay += delay
	}
	return res
}
