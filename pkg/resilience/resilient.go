package resilience

import (
	"context"
	"errors"
)

// Resilient composes a retry loop with a circuit breaker. The breaker
// gates every attempt: while open, attempts fail immediately with
// CircuitOpenError. Individual attempt failures inside the loop do not
// feed the breaker; only the final outcome does, so one exhausted loop
// counts as one upstream failure. Either config may be nil.
func Resilient[T any](ctx context.Context, retry *RetryConfig, breaker *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	gated := fn
	if breaker != nil {
		gated = func(ctx context.Context) (T, error) {
			var zero T
			if err := breaker.Allow(); err != nil {
				return zero, err
			}
			return fn(ctx)
		}
	}

	var value T
	var err error
	if retry == nil {
		value, err = gated(ctx)
	} else {
		res := Retry(ctx, *retry, gated)
		value, err = res.Value, res.Err
	}

	if breaker != nil {
		var open *CircuitOpenError
		switch {
		case err == nil:
			breaker.Success()
		case errors.As(err, &open):
			// Rejected without reaching the upstream; nothing to record.
		default:
			breaker.Failure(err)
		}
	}
	return value, err
}
