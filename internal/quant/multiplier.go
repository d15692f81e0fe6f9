package quant

import (
	"fmt"
	"math"
)

const (
	// MinM0 and MaxM0 bound a normalized multiplier: M0/2^31 is in [0.5, 1).
	MinM0 = 1 << 30
	MaxM0 = math.MaxInt32

	fracBits = 31
)

// FixedPointMultiplier approximates a real ratio in (0, 1) as
// M0 / 2^31 * 2^-RightShift.
type FixedPointMultiplier struct {
	M0         int32 `json:"m0"`
	RightShift int   `json:"right_shift"`
}

// Validate checks the normalization invariant.
func (f FixedPointMultiplier) Validate() error {
	if f.M0 < MinM0 {
		return fmt.Errorf("m0 %d below 2^30", f.M0)
	}
	if f.RightShift < 0 {
		return fmt.Errorf("negative right shift %d", f.RightShift)
	}
	return nil
}

// Real reconstructs the approximated ratio. Diagnostics only; the inference
// path never converts back to floating point.
func (f FixedPointMultiplier) Real() float64 {
	return math.Ldexp(float64(f.M0), -fracBits-f.RightShift)
}

func (f FixedPointMultiplier) String() string {
	return fmt.Sprintf("m0=%d shift=%d (%.9g)", f.M0, f.RightShift, f.Real())
}

// QuantizeMultiplierSmallerThanOne converts m, which must lie in (0, 1),
// into its normalized fixed-point form.
//
// m is doubled until it reaches [0.5, 1) and then rounded to 31 fractional
// bits. Rounding can carry M0 to exactly 2^31, in which case it is halved and
// the shift decremented. With no shift left to give back (m within 2^-32 of
// one) M0 saturates at 2^31-1 instead.
func QuantizeMultiplierSmallerThanOne(m float64) (FixedPointMultiplier, error) {
	if !(m > 0 && m < 1) {
		return FixedPointMultiplier{}, &MultiplierRangeError{M: m}
	}

	shift := 0
	for m < 0.5 {
		m *= 2
		shift++
	}

	q := math.Round(m * (1 << fracBits))
	if q == 1<<fracBits {
		if shift == 0 {
			return FixedPointMultiplier{M0: MaxM0, RightShift: 0}, nil
		}
		q /= 2
		shift--
	}
	return FixedPointMultiplier{M0: int32(q), RightShift: shift}, nil
}

// Multiplier derives the requantization multiplier of a layer from its
// input, weight and output scales.
func Multiplier(input, weight, output Params) (FixedPointMultiplier, error) {
	if !(output.Scale > 0) {
		return FixedPointMultiplier{}, fmt.Errorf("invalid output scale %v", output.Scale)
	}
	return QuantizeMultiplierSmallerThanOne(input.Scale * weight.Scale / output.Scale)
}

// MultiplyByQuantizedMultiplier computes round(x * M0 / 2^(31+RightShift))
// with a 64-bit intermediate, rounding ties away from zero, and saturates the
// result to int32. f must satisfy Validate.
func MultiplyByQuantizedMultiplier(x int32, f FixedPointMultiplier) int32 {
	shift := fracBits + f.RightShift
	// |x*M0| < 2^62, so anything shifted by 63 or more rounds to zero.
	if shift >= 63 {
		return 0
	}

	p := int64(x) * int64(f.M0)
	neg := p < 0
	mag := uint64(p)
	if neg {
		mag = uint64(-p)
	}
	mag = (mag + 1<<(shift-1)) >> shift

	r := int64(mag)
	if neg {
		r = -r
	}
	switch {
	case r > math.MaxInt32:
		return math.MaxInt32
	case r < math.MinInt32:
		return math.MinInt32
	}
	return int32(r)
}
