package kernels

import (
	"fmt"

	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Padding selects how the window treats the sequence edges.
type Padding uint8

const (
	PaddingSame Padding = iota
	PaddingValid
)

func ParsePadding(s string) (Padding, error) {
	switch s {
	case "", "same", "SAME":
		return PaddingSame, nil
	case "valid", "VALID":
		return PaddingValid, nil
	default:
		return 0, fmt.Errorf("unknown padding %q", s)
	}
}

func (p Padding) String() string {
	if p == PaddingValid {
		return "valid"
	}
	return "same"
}

// ConvConfig describes the sliding window of Conv1D.
type ConvConfig struct {
	Stride  int
	Padding Padding
	// Depthwise selects the [1, 1, K, C*M] weight layout in which output
	// channel o only reads input channel o/M.
	Depthwise bool
}

type convGeometry struct {
	length, channels int // input [L, C]
	filters, kernel  int
	multiplier       int // depthwise channel multiplier
	stride           int
	outLen, padLeft  int
}

func convShape(op string, in, w tensor.Tensor, cfg ConvConfig) (convGeometry, error) {
	g := convGeometry{stride: max(cfg.Stride, 1)}

	ws := w.Shape
	switch {
	case cfg.Depthwise && len(ws) == 4 && ws[0] == 1 && ws[1] == 1:
		g.kernel, g.filters = ws[2], ws[3]
	case cfg.Depthwise && len(ws) == 2:
		g.kernel, g.filters = ws[0], ws[1]
	case !cfg.Depthwise && len(ws) == 4 && ws[1] == 1:
		g.filters, g.kernel, g.channels = ws[0], ws[2], ws[3]
	case !cfg.Depthwise && len(ws) == 3:
		g.filters, g.kernel, g.channels = ws[0], ws[1], ws[2]
	default:
		return g, quant.NewShapeError(op, "unsupported weight shape %v (depthwise=%t)", ws, cfg.Depthwise)
	}

	if cfg.Depthwise {
		// Channels are the innermost input dimension.
		if len(in.Shape) == 0 {
			return g, quant.NewShapeError(op, "input has no shape")
		}
		g.channels = in.Shape[len(in.Shape)-1]
		if g.channels <= 0 || g.filters%g.channels != 0 {
			return g, quant.NewShapeError(op, "%d output channels not a multiple of %d input channels", g.filters, g.channels)
		}
		g.multiplier = g.filters / g.channels
	}
	if g.kernel <= 0 || g.channels <= 0 || g.filters <= 0 {
		return g, quant.NewShapeError(op, "weight shape %v", ws)
	}

	if in.Len() == 0 || in.Len()%g.channels != 0 {
		return g, quant.NewShapeError(op, "input %v is not a whole number of %d-channel steps", in.Shape, g.channels)
	}
	g.length = in.Len() / g.channels

	switch cfg.Padding {
	case PaddingSame:
		g.outLen = (g.length + g.stride - 1) / g.stride
		pad := max((g.outLen-1)*g.stride+g.kernel-g.length, 0)
		g.padLeft = pad / 2
	case PaddingValid:
		if g.length < g.kernel {
			return g, quant.NewShapeError(op, "input length %d shorter than kernel %d", g.length, g.kernel)
		}
		g.outLen = (g.length-g.kernel)/g.stride + 1
	default:
		return g, fmt.Errorf("%s: unknown padding %d", op, cfg.Padding)
	}
	return g, nil
}

// Conv1D slides a K-tap window over an input of L steps with C channels
// ([L, C], leading unit dimensions ignored) and produces [Lout, F].
//
// The weight is [F, K, C] or the equivalent [F, 1, K, C]; with Depthwise it
// is [1, 1, K, F]. Taps that fall in the padding contribute nothing, which is
// the same as reading the input zero point. outShape must hold Lout*F
// elements.
func Conv1D(in, w, b tensor.Tensor, cfg ConvConfig, rq Requant, outShape []int) (tensor.Tensor, quant.Saturation, error) {
	const op = "conv1d"
	if err := rq.validate(op); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}
	g, err := convShape(op, in, w, cfg)
	if err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}
	if w.Len() != g.filters*g.kernel*weightChannels(g, cfg) {
		return tensor.Tensor{}, quant.Saturation{}, quant.NewShapeError(op, "weight %v holds %d elements", w.Shape, w.Len())
	}
	if err := checkBias(op, b, g.filters); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}
	positions := g.outLen * g.filters
	if err := checkOutput(op, outShape, positions); err != nil {
		return tensor.Tensor{}, quant.Saturation{}, err
	}

	out := make([]int32, positions)
	var sat quant.SaturationCounter
	parallel.For(positions, rq.Parallel, func(start, end int) {
		for idx := start; idx < end; idx++ {
			p, f := idx/g.filters, idx%g.filters
			var acc int64
			if cfg.Depthwise {
				acc = depthwiseTap(in.Data, w.Data, g, p, f, rq)
			} else {
				acc = convTap(in.Data, w.Data, g, p, f, rq)
			}
			out[idx] = rq.requantize(acc+int64(b.Data[f]), &sat)
		}
	})
	return rq.output(outShape, out), sat.Snapshot(), nil
}

func weightChannels(g convGeometry, cfg ConvConfig) int {
	if cfg.Depthwise {
		return 1
	}
	return g.channels
}

func convTap(x, w []int32, g convGeometry, p, f int, rq Requant) int64 {
	var acc int64
	base := p*g.stride - g.padLeft
	for k := 0; k < g.kernel; k++ {
		pos := base + k
		if pos < 0 || pos >= g.length {
			continue
		}
		xs := x[pos*g.channels : (pos+1)*g.channels]
		off := (f*g.kernel + k) * g.channels
		acc += dot(xs, w[off:off+g.channels], rq.InputZeroPoint, rq.WeightZeroPoint)
	}
	return acc
}

func depthwiseTap(x, w []int32, g convGeometry, p, f int, rq Requant) int64 {
	var acc int64
	c := f / g.multiplier
	base := p*g.stride - g.padLeft
	for k := 0; k < g.kernel; k++ {
		pos := base + k
		if pos < 0 || pos >= g.length {
			continue
		}
		xv := int64(x[pos*g.channels+c]) - int64(rq.InputZeroPoint)
		wv := int64(w[k*g.filters+f]) - int64(rq.WeightZeroPoint)
		acc += xv * wv
	}
	return acc
}
