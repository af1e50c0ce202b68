package timebase

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
)

// Rounding selects how fractional ticks are resolved by Rescale.
type Rounding int

const (
	// RoundTruncate discards the fractional part (toward zero).
	RoundTruncate Rounding = iota
	// RoundNearInf rounds to nearest, halfway cases away from zero.
	RoundNearInf
	// RoundDown rounds toward negative infinity.
	RoundDown
	// RoundUp rounds toward positive infinity.
	RoundUp
)

// String returns the rounding policy name.
func (r Rounding) String() string {
	switch r {
	case RoundTruncate:
		return "truncate"
	case RoundNearInf:
		return "near_inf"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return fmt.Sprintf("rounding(%d)", int(r))
	}
}

// Rescale converts value from time base from to time base to, i.e.
// value * from / to, using exact integer arithmetic.
//
// to must be valid (positive numerator and denominator). from needs a
// positive denominator; a zero numerator yields 0. Anything else is a caller
// bug and panics. Results beyond the int64 range saturate.
func Rescale(value int64, from, to Rational, rnd Rounding) int64 {
	if from.Den <= 0 || from.Num < 0 || !to.Valid() {
		panic(fmt.Sprintf("timebase: rescale %d from %s to %s: invalid time base", value, from, to))
	}
	if value == 0 || from.Num == 0 {
		return 0
	}

	// value * (from.Num * to.Den) / (from.Den * to.Num)
	bHi, b := bits.Mul64(uint64(from.Num), uint64(to.Den))
	cHi, c := bits.Mul64(uint64(from.Den), uint64(to.Num))
	if bHi != 0 || cHi != 0 {
		return rescaleBig(value, from, to, rnd)
	}

	neg := value < 0
	mag := uint64(value)
	if neg {
		mag = uint64(-(value + 1)) + 1
	}

	hi, lo := bits.Mul64(mag, b)
	if hi >= c {
		return rescaleBig(value, from, to, rnd)
	}
	q, r := bits.Div64(hi, lo, c)
	q = roundMagnitude(q, r != 0, r >= c-r, neg, rnd)
	return signed(q, neg)
}

func roundMagnitude(q uint64, inexact, half bool, neg bool, rnd Rounding) uint64 {
	if !inexact {
		return q
	}
	switch rnd {
	case RoundNearInf:
		if half {
			return q + 1
		}
	case RoundDown:
		if neg {
			return q + 1
		}
	case RoundUp:
		if !neg {
			return q + 1
		}
	}
	return q
}

func signed(mag uint64, neg bool) int64 {
	if mag == 0 {
		return 0
	}
	if neg {
		if mag > uint64(math.MaxInt64)+1 {
			return math.MinInt64
		}
		return -int64(mag-1) - 1
	}
	if mag > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(mag)
}

func rescaleBig(value int64, from, to Rational, rnd Rounding) int64 {
	num := new(big.Int).Mul(big.NewInt(value), big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))

	neg := num.Sign() < 0
	num.Abs(num)

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	inexact := r.Sign() != 0
	half := new(big.Int).Lsh(r, 1).Cmp(den) >= 0

	if !q.IsUint64() {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return signed(roundMagnitude(q.Uint64(), inexact, half, neg, rnd), neg)
}
