// Package kernels implements integer-only layer kernels. Each kernel
// accumulates zero-point-corrected products in 64 bits, adds an int32 bias
// and requantizes the sum back into the output type with a fixed-point
// multiplier.
package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Requant is the requantization contract shared by every kernel.
type Requant struct {
	InputZeroPoint  int32
	WeightZeroPoint int32
	OutputZeroPoint int32
	Multiplier      quant.FixedPointMultiplier

	OutputType  quant.DType
	OutputScale float64 // labels the output tensor; never used in arithmetic

	Parallel parallel.Config
}

func (r Requant) validate(op string) error {
	if r.OutputType.Size() == 0 {
		return fmt.Errorf("%s: invalid output type %s", op, r.OutputType)
	}
	if !r.OutputType.Contains(int64(r.OutputZeroPoint)) {
		return fmt.Errorf("%s: output zero point %d outside %s range", op, r.OutputZeroPoint, r.OutputType)
	}
	if err := r.Multiplier.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// requantize turns a bias-corrected accumulator into an output element.
func (r Requant) requantize(acc int64, sat *quant.SaturationCounter) int32 {
	// The accumulator register is 32 bits wide.
	if acc > math.MaxInt32 {
		acc = math.MaxInt32
		sat.Record(1)
	} else if acc < math.MinInt32 {
		acc = math.MinInt32
		sat.Record(-1)
	}
	v := int64(quant.MultiplyByQuantizedMultiplier(int32(acc), r.Multiplier)) + int64(r.OutputZeroPoint)
	out, dir := r.OutputType.Clamp(v)
	sat.Record(dir)
	return out
}

func (r Requant) output(shape []int, data []int32) tensor.Tensor {
	return tensor.Tensor{
		DType:  r.OutputType,
		Shape:  append([]int(nil), shape...),
		Params: quant.Params{Scale: r.OutputScale, ZeroPoint: r.OutputZeroPoint},
		Data:   data,
	}
}

// dot accumulates (x[i]-xzp)*(w[i]-wzp).
func dot(x, w []int32, xzp, wzp int32) int64 {
	var acc int64
	for i := range x {
		acc += (int64(x[i]) - int64(xzp)) * (int64(w[i]) - int64(wzp))
	}
	return acc
}

func checkBias(op string, b tensor.Tensor, n int) error {
	if b.Len() != n {
		return quant.NewShapeError(op, "bias has %d elements, want %d", b.Len(), n)
	}
	if b.DType != quant.DTypeInt32 {
		return fmt.Errorf("%s: bias must be %s, got %s", op, quant.DTypeInt32, b.DType)
	}
	return nil
}

func checkOutput(op string, outShape []int, positions int) error {
	n, err := tensor.NumElements(outShape)
	if err != nil {
		return quant.NewShapeError(op, "output shape %v: %v", outShape, err)
	}
	if n != positions {
		return quant.NewShapeError(op, "output shape %v holds %d elements, kernel produces %d", outShape, n, positions)
	}
	return nil
}
