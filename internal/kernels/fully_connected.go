package kernels

import (
	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// FullyConnected computes out = requant(in · wᵀ + b).
//
// w is [N, K] and b holds N elements. in is treated as rows of K elements,
// so [K], [1, K] and [B, K] all work; a convolution output can be passed
// without flattening it first. outShape must hold rows*N elements.
func FullyConnected(in, w, b tensor.Tensor, rq Requant, outShape []int) (tensor.Tensor, quant.Saturation, error) {
	const op = "fully_connected"
	if err := rq.validate(op); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}
	if len(w.Shape) != 2 {
		return tensor.Tensor{}, quant.Saturation{}, quant.NewShapeError(op, "weight must be [N, K], got %v", w.Shape)
	}
	n, k := w.Shape[0], w.Shape[1]
	if w.Len() != n*k {
		return tensor.Tensor{}, quant.Saturation{}, quant.NewShapeError(op, "weight %v holds %d elements", w.Shape, w.Len())
	}
	if in.Len() == 0 || in.Len()%k != 0 {
		return tensor.Tensor{}, quant.Saturation{}, quant.NewShapeError(op, "input %v is not a whole number of rows of %d", in.Shape, k)
	}
	rows := in.Len() / k
	if err := checkBias(op, b, n); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}
	if err := checkOutput(op, outShape, rows*n); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}

	out := make([]int32, rows*n)
	var sat quant.SaturationCounter
	parallel.For(rows*n, rq.Parallel, func(start, end int) {
		for idx := start; idx < end; idx++ {
			r, o := idx/n, idx%n
			x := in.Data[r*k : (r+1)*k]
			wr := w.Data[o*k : (o+1)*k]
			acc := dot(x, wr, rq.InputZeroPoint, rq.WeightZeroPoint) + int64(b.Data[o])
			out[idx] = rq.requantize(acc, &sat)
		}
	})
	return rq.output(outShape, out), sat.Snapshot(), nil
}
