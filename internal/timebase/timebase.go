// Package timebase provides rational time bases and exact rescaling of
// integer timestamps between them.
package timebase

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Rational is a time base expressed as seconds per tick (Num/Den).
type Rational struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Common time bases.
var (
	// MPEGTS is the 90 kHz clock used by MPEG-TS PES timestamps.
	MPEGTS = Rational{Num: 1, Den: 90000}
	// Millis is the millisecond clock used by FLV/RTMP.
	Millis = Rational{Num: 1, Den: 1000}
	// Micros is the global tick resolution used for synthetic timestamps and pacing.
	Micros = Rational{Num: 1, Den: 1000000}
	// Nanos matches time.Duration.
	Nanos = Rational{Num: 1, Den: int64(time.Second)}
)

// ErrInvalidRational is returned by Parse for malformed input.
var ErrInvalidRational = errors.New("invalid rational")

// New returns num/den with the sign carried on the numerator.
func New(num, den int64) Rational {
	if den < 0 {
		num, den = -num, -den
	}
	return Rational{Num: num, Den: den}
}

// Valid reports whether r can be used as a time base.
func (r Rational) Valid() bool {
	return r.Den > 0 && r.Num > 0
}

// IsZero reports whether r is the zero value.
func (r Rational) IsZero() bool {
	return r.Num == 0 && r.Den == 0
}

// Float returns r as a float64. It returns 0 for a zero denominator.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns den/num, e.g. a frame rate from a frame duration.
func (r Rational) Invert() Rational {
	return New(r.Den, r.Num)
}

// Reduce returns r divided by the greatest common divisor of its terms.
func (r Rational) Reduce() Rational {
	g := gcd(abs64(r.Num), abs64(r.Den))
	if g <= 1 {
		return r
	}
	return Rational{Num: r.Num / g, Den: r.Den / g}
}

// String formats r as "num/den".
func (r Rational) String() string {
	return strconv.FormatInt(r.Num, 10) + "/" + strconv.FormatInt(r.Den, 10)
}

// Seconds converts ticks in time base r to seconds.
func (r Rational) Seconds(ticks int64) float64 {
	return float64(ticks) * r.Float()
}

// Duration converts ticks in time base r to a time.Duration.
func (r Rational) Duration(ticks int64) time.Duration {
	return time.Duration(Rescale(ticks, r, Nanos, RoundNearInf))
}

// Ticks converts a time.Duration to ticks in time base r.
func (r Rational) Ticks(d time.Duration) int64 {
	return Rescale(int64(d), Nanos, r, RoundNearInf)
}

// Parse parses "num/den", "num:den" or a plain integer rate such as "25".
func Parse(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "/:")
	if sep < 0 {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Rational{}, fmt.Errorf("%w: %q", ErrInvalidRational, s)
		}
		return Rational{Num: n, Den: 1}, nil
	}

	num, err := strconv.ParseInt(strings.TrimSpace(s[:sep]), 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("%w: %q", ErrInvalidRational, s)
	}
	den, err := strconv.ParseInt(strings.TrimSpace(s[sep+1:]), 10, 64)
	if err != nil || den == 0 {
		return Rational{}, fmt.Errorf("%w: %q", ErrInvalidRational, s)
	}
	return New(num, den), nil
}

// FromFrameRate converts a floating point frame rate to a rational rate,
// recognising the NTSC family (23.976, 29.97, 59.94, ...).
func FromFrameRate(fps float64) Rational {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return Rational{}
	}
	if whole := math.Round(fps); math.Abs(fps-whole) < 0.001 {
		return Rational{Num: int64(whole), Den: 1}
	}
	if ntsc := math.Round(fps * 1.001); math.Abs(fps*1.001-ntsc) < 0.01 {
		return Rational{Num: int64(ntsc) * 1000, Den: 1001}
	}
	return Rational{Num: int64(math.Round(fps * 1000)), Den: 1000}.Reduce()
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
