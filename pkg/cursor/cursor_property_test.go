//go:build property

package cursor

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func TestCursorMonotonicityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 80
	properties := gopter.NewProperties(params)

	properties.Property("stored cursor equals max of accepted updates", prop.ForAll(
		func(values []int64) bool {
			s, err := New(t.TempDir(), "1")
			if err != nil {
				return false
			}
			var max int64 = -1
			for _, v := range values {
				err := s.Update(contracts.NewBigInt(v))
				switch {
				case v >= max:
					if err != nil {
						return false
					}
					max = v
				default:
					if !contracts.IsValidation(err) {
						return false
					}
				}
			}
			last, ok := s.Last()
			if max < 0 {
				return !ok
			}
			return ok && last.Int64() == max
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000)),
	))

	properties.TestingRun(t)
}

func TestRangeFormulaProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("empty cursor: start = max(tip−lookback, 1)", prop.ForAll(
		func(tip, lookback, conf int64) bool {
			start, end, ok := Range(nil, false, contracts.NewBigInt(tip), lookback, conf)
			safe := tip - conf
			if safe < 1 {
				return !ok
			}
			want := tip - lookback
			if want < 1 {
				want = 1
			}
			if want > safe {
				want = safe
			}
			return ok && start.Int64() == want && end.Int64() == safe
		},
		gen.Int64Range(1, 10_000_000),
		gen.Int64Range(1, 100_000),
		gen.Int64Range(0, 100),
	))

	properties.Property("with cursor c: start = min(c+1, tip−conf)", prop.ForAll(
		func(c, delta, conf int64) bool {
			tip := c + delta
			start, end, ok := Range(contracts.NewBigInt(c), true, contracts.NewBigInt(tip), 1000, conf)
			safe := tip - conf
			if safe < 1 {
				return !ok
			}
			want := c + 1
			if want > safe {
				want = safe
			}
			return ok && start.Int64() == want && end.Int64() == safe
		},
		gen.Int64Range(1, 10_000_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 100),
	))

	properties.TestingRun(t)
}
