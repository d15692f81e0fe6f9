package tensor

import (
	"fmt"
	"math"

	"github.com/samcharles93/qinfer/internal/quant"
)

// Quantize maps real values into dt: round(x/scale) + zero_point, rounding
// half away from zero and clamping to the range of dt. Clamped elements are
// counted in the returned Saturation rather than reported as an error.
func Quantize(p quant.Params, dt quant.DType, shape []int, x []float64) (Tensor, quant.Saturation, error) {
	if err := p.Validate(dt); err != nil {
		return Tensor{}, quant.Saturation{}, err
	}
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, quant.Saturation{}, err
	}
	if len(x) != n {
		return Tensor{}, quant.Saturation{}, quant.NewShapeError("quantize", "shape %v holds %d elements, got %d", shape, n, len(x))
	}

	lo, hi := float64(dt.Min()), float64(dt.Max())
	data := make([]int32, n)
	var sat quant.Saturation
	for i, v := range x {
		if math.IsNaN(v) {
			return Tensor{}, quant.Saturation{}, fmt.Errorf("quantize: element %d is NaN", i)
		}
		q := math.Round(v/p.Scale) + float64(p.ZeroPoint)
		switch {
		case q < lo:
			q = lo
			sat.Low++
		case q > hi:
			q = hi
			sat.High++
		}
		data[i] = int32(q)
	}

	return Tensor{DType: dt, Shape: cloneShape(shape), Params: p, Data: data}, sat, nil
}

// Dequantize returns the real value of every element.
func Dequantize(t Tensor) []float64 {
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = t.Params.Real(v)
	}
	return out
}

func cloneShape(shape []int) []int {
	return append([]int(nil), shape...)
}
