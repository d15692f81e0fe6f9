package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/safetensors"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Activation quantization of the synthetic model.
var synthActivations = map[string]quant.Params{
	InputTensor:    {Scale: 1.0 / 255, ZeroPoint: -128},
	"conv.output":  {Scale: 0.05, ZeroPoint: -128},
	"dense.output": {Scale: 0.1, ZeroPoint: -128},
	LogitsTensor:   {Scale: 0.2, ZeroPoint: 0},
}

var synthWeightScale = map[string]float64{
	"conv":  0.02,
	"dense": 0.01,
	"pred":  0.01,
}

// Synthetic builds a model in DefaultTopology with int8 weights and int32
// biases drawn from a PCG stream seeded with seed. The same seed always
// produces the same file. It is meant for smoke tests and benchmarks.
func Synthetic(seed uint64) (*safetensors.Writer, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	w := safetensors.NewWriter()
	w.SetMetadata(safetensors.MetaFormat, "qinfer")

	specs := DefaultTopology()
	manifest, err := EncodeLayers(specs)
	if err != nil {
		return nil, err
	}
	w.SetMetadata(safetensors.MetaLayers, manifest)
	w.SetBinding("input", InputTensor)
	w.SetBinding("output", LogitsTensor)

	for name, p := range synthActivations {
		if err := w.SetQuant(name, safetensors.QuantInfo{Scale: p.Scale, ZeroPoint: p.ZeroPoint, DType: quant.DTypeInt8.String()}); err != nil {
			return nil, err
		}
	}

	in := synthActivations[InputTensor]
	for _, spec := range specs {
		var shape []int
		switch spec.Name {
		case "conv":
			shape = []int{16, 1, 3, 1}
		case "dense":
			shape = []int{128, 784 * 16}
		case "pred":
			shape = []int{10, 128}
		default:
			return nil, fmt.Errorf("no synthetic weights for layer %s", spec.Name)
		}
		n, err := tensor.NumElements(shape)
		if err != nil {
			return nil, err
		}

		wp := quant.Params{Scale: synthWeightScale[spec.Name]}
		weights := make([]int32, n)
		for i := range weights {
			weights[i] = int32(rng.IntN(255)) - 127
		}
		wt, err := tensor.FromData(quant.DTypeInt8, shape, wp, weights)
		if err != nil {
			return nil, err
		}

		bias := make([]int32, shape[0])
		for i := range bias {
			bias[i] = int32(rng.IntN(2001)) - 1000
		}
		bt, err := tensor.FromData(quant.DTypeInt32, []int{shape[0]}, quant.Params{Scale: in.Scale * wp.Scale}, bias)
		if err != nil {
			return nil, err
		}

		if err := writeTensor(w, spec.Weight, wt); err != nil {
			return nil, err
		}
		if err := writeTensor(w, spec.Bias, bt); err != nil {
			return nil, err
		}
		in = synthActivations[spec.Output]
	}
	return w, nil
}

func writeTensor(w *safetensors.Writer, name string, t tensor.Tensor) error {
	if err := w.AddTensor(name, t.DType.String(), t.Shape, t.Bytes()); err != nil {
		return err
	}
	return w.SetQuant(name, safetensors.QuantInfo{
		Scale:     t.Params.Scale,
		ZeroPoint: t.Params.ZeroPoint,
		DType:     t.DType.String(),
	})
}
