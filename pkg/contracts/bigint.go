package contracts

import (
	"fmt"
	"math/big"
)

// BigInt is an arbitrary-precision integer that serialises as a decimal
// string in JSON. Block numbers, token amounts, and bond amounts all use
// it; nothing in the pipeline converts these values through floats.
type BigInt struct {
	i big.Int
}

// NewBigInt returns a BigInt holding v.
func NewBigInt(v int64) *BigInt {
	b := &BigInt{}
	b.i.SetInt64(v)
	return b
}

// NewBigIntFromString parses a decimal string.
func NewBigIntFromString(s string) (*BigInt, error) {
	b := &BigInt{}
	if _, ok := b.i.SetString(s, 10); !ok {
		return nil, &ValidationError{Field: "bigint", Msg: fmt.Sprintf("not a decimal integer: %q", s)}
	}
	return b, nil
}

// FromBig wraps an existing big.Int, copying its value.
func FromBig(v *big.Int) *BigInt {
	b := &BigInt{}
	if v != nil {
		b.i.Set(v)
	}
	return b
}

// Big returns a copy of the underlying value.
func (b *BigInt) Big() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&b.i)
}

// Int64 returns the value as int64. Callers use it only where the
// domain bounds the value (cursor deltas, test fixtures).
func (b *BigInt) Int64() int64 {
	if b == nil {
		return 0
	}
	return b.i.Int64()
}

// Cmp compares b and other as big.Int.Cmp does. A nil side counts as zero.
func (b *BigInt) Cmp(other *BigInt) int {
	return b.Big().Cmp(other.Big())
}

// Add returns b + v as a new BigInt.
func (b *BigInt) Add(v int64) *BigInt {
	out := &BigInt{}
	out.i.Add(b.Big(), big.NewInt(v))
	return out
}

func (b *BigInt) String() string {
	if b == nil {
		return "0"
	}
	return b.i.String()
}

// MarshalJSON encodes the value as a decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
// Files written by older builds used numbers for small values.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if _, ok := b.i.SetString(s, 10); !ok {
		return &ValidationError{Field: "bigint", Msg: fmt.Sprintf("not a decimal integer: %s", string(data))}
	}
	return nil
}
