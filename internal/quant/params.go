// Package quant holds the integer arithmetic shared by every quantized layer:
// affine quantization parameters, element types and the fixed-point
// multiplier used to requantize accumulators without floating point.
package quant

import (
	"fmt"
	"math"
)

// DType is the storage type of a quantized tensor element.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeInt8
	DTypeUInt8
	DTypeInt32
)

// ParseDType accepts the safetensors spelling of a dtype ("I8", "U8", "I32").
func ParseDType(s string) (DType, error) {
	switch s {
	case "I8", "int8":
		return DTypeInt8, nil
	case "U8", "uint8":
		return DTypeUInt8, nil
	case "I32", "int32":
		return DTypeInt32, nil
	default:
		return DTypeInvalid, fmt.Errorf("unsupported quantized dtype %q", s)
	}
}

func (d DType) String() string {
	switch d {
	case DTypeInt8:
		return "I8"
	case DTypeUInt8:
		return "U8"
	case DTypeInt32:
		return "I32"
	default:
		return "invalid"
	}
}

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeInt8, DTypeUInt8:
		return 1
	case DTypeInt32:
		return 4
	default:
		return 0
	}
}

func (d DType) Min() int32 {
	switch d {
	case DTypeInt8:
		return math.MinInt8
	case DTypeUInt8:
		return 0
	default:
		return math.MinInt32
	}
}

func (d DType) Max() int32 {
	switch d {
	case DTypeInt8:
		return math.MaxInt8
	case DTypeUInt8:
		return math.MaxUint8
	default:
		return math.MaxInt32
	}
}

// Contains reports whether v is representable in d.
func (d DType) Contains(v int64) bool {
	return v >= int64(d.Min()) && v <= int64(d.Max())
}

// Clamp saturates v into the range of d. The second result is -1 when v was
// raised to Min, +1 when it was lowered to Max and 0 otherwise.
func (d DType) Clamp(v int64) (int32, int) {
	lo, hi := int64(d.Min()), int64(d.Max())
	switch {
	case v < lo:
		return int32(lo), -1
	case v > hi:
		return int32(hi), 1
	default:
		return int32(v), 0
	}
}

// Params are the affine quantization parameters of one tensor:
// real = (stored - ZeroPoint) * Scale.
type Params struct {
	Scale     float64 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
}

// Validate checks that the scale is a positive finite number and that the
// zero point is representable in dt.
func (p Params) Validate(dt DType) error {
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("invalid scale %v", p.Scale)
	}
	if !dt.Contains(int64(p.ZeroPoint)) {
		return fmt.Errorf("zero point %d outside %s range [%d, %d]", p.ZeroPoint, dt, dt.Min(), dt.Max())
	}
	return nil
}

// Real returns the real value of a stored element.
func (p Params) Real(v int32) float64 {
	return float64(int64(v)-int64(p.ZeroPoint)) * p.Scale
}
