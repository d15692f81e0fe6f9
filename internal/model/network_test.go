package model

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qinfer/internal/kernels"
	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/safetensors"
	"github.com/samcharles93/qinfer/internal/tensor"
)

type paramEntry struct {
	p  quant.Params
	dt quant.DType
}

type memSource struct {
	tensors  map[string]tensor.Tensor
	params   map[string]paramEntry
	bindings map[string]string
	layers   []LayerSpec
}

func (s *memSource) Tensor(name string) (tensor.Tensor, error) {
	t, ok := s.tensors[name]
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, name)
	}
	return t, nil
}

func (s *memSource) Params(name string) (quant.Params, quant.DType, error) {
	if e, ok := s.params[name]; ok {
		return e.p, e.dt, nil
	}
	if t, ok := s.tensors[name]; ok {
		return t.Params, t.DType, nil
	}
	return quant.Params{}, quant.DTypeInvalid, fmt.Errorf("%w: %s", safetensors.ErrNoQuantParams, name)
}

func (s *memSource) Binding(role string) (string, error) {
	if name, ok := s.bindings[role]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoBinding, role)
}

func (s *memSource) Layers() ([]LayerSpec, error) {
	if s.layers == nil {
		return nil, ErrNoManifest
	}
	return s.layers, nil
}

func mustTensor(t *testing.T, dt quant.DType, shape []int, p quant.Params, data []int32) tensor.Tensor {
	t.Helper()
	out, err := tensor.FromData(dt, shape, p, data)
	require.NoError(t, err)
	return out
}

// denseSource is a single 3->2 fully connected layer with multiplier 0.5.
func denseSource(t *testing.T) *memSource {
	t.Helper()
	unit := quant.Params{Scale: 1}
	return &memSource{
		tensors: map[string]tensor.Tensor{
			"fc.weight": mustTensor(t, quant.DTypeInt8, []int{2, 3}, unit, []int32{1, 1, 1, 2, 2, 2}),
			"fc.bias":   mustTensor(t, quant.DTypeInt32, []int{2}, unit, []int32{0, 1}),
		},
		params: map[string]paramEntry{
			"x":   {p: unit, dt: quant.DTypeInt8},
			"out": {p: quant.Params{Scale: 2}, dt: quant.DTypeInt8},
		},
		layers: []LayerSpec{{
			Name:        "fc",
			Kind:        KindFullyConnected,
			Input:       "x",
			Weight:      "fc.weight",
			Bias:        "fc.bias",
			Output:      "out",
			OutputShape: []int{1, 2},
		}},
	}
}

func TestClassifyDense(t *testing.T) {
	t.Parallel()
	net, err := Load(denseSource(t))
	require.NoError(t, err)

	require.Len(t, net.Layers, 1)
	assert.Equal(t, quant.FixedPointMultiplier{M0: 1 << 30, RightShift: 0}, net.Layers[0].Multiplier)

	// acc = 6 and 12+1; 6*0.5 = 3, 13*0.5 = 6.5 rounds away from zero.
	pred, err := net.Classify([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 7}, pred.Logits)
	assert.Equal(t, 1, pred.Class)
	assert.Zero(t, pred.Saturation.Total())
}

func TestClassifyCountsSaturation(t *testing.T) {
	t.Parallel()
	net, err := Load(denseSource(t))
	require.NoError(t, err)

	// 200 clamps to 127 on input; 127*2+1 = 255 halves to 127.5, which rounds
	// to 128 and clamps to 127.
	pred, err := net.Classify([]float64{200, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int32{64, 127}, pred.Logits)
	assert.Equal(t, quant.Saturation{High: 2}, pred.Saturation)
}

func TestClassifyRejectsWrongLength(t *testing.T) {
	t.Parallel()
	net, err := Load(denseSource(t))
	require.NoError(t, err)

	_, err = net.Classify([]float64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, quant.ErrShapeMismatch)

	_, err = net.Classify([]float64{1, 2, 3, 4, 5, 6})
	require.Error(t, err)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "fc", le.Layer)
	assert.ErrorIs(t, err, quant.ErrShapeMismatch)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*memSource)
		is     error
	}{
		{
			name:   "missing weight",
			mutate: func(s *memSource) { delete(s.tensors, "fc.weight") },
			is:     safetensors.ErrTensorNotFound,
		},
		{
			name:   "missing output params",
			mutate: func(s *memSource) { delete(s.params, "out") },
			is:     safetensors.ErrNoQuantParams,
		},
		{
			name: "multiplier not below one",
			mutate: func(s *memSource) {
				s.params["out"] = paramEntry{p: quant.Params{Scale: 0.5}, dt: quant.DTypeInt8}
			},
			is: quant.ErrOutOfRangeMultiplier,
		},
		{
			name: "bias shape",
			mutate: func(s *memSource) {
				s.tensors["fc.bias"] = tensor.Tensor{DType: quant.DTypeInt32, Shape: []int{3}, Params: quant.Params{Scale: 1}, Data: []int32{0, 0, 0}}
			},
			is: quant.ErrShapeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := denseSource(t)
			tt.mutate(src)
			_, err := Load(src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			var le *LayerError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, "fc", le.Layer)
		})
	}
}

func TestLoadRejectsBadBias(t *testing.T) {
	t.Parallel()

	src := denseSource(t)
	src.tensors["fc.bias"] = mustTensor(t, quant.DTypeInt32, []int{2}, quant.Params{Scale: 1, ZeroPoint: 3}, []int32{0, 0})
	_, err := Load(src)
	require.ErrorContains(t, err, "zero point must be 0")

	src = denseSource(t)
	src.tensors["fc.bias"] = mustTensor(t, quant.DTypeInt8, []int{2}, quant.Params{Scale: 1}, []int32{0, 0})
	_, err = Load(src)
	require.ErrorContains(t, err, "must be I32")
}

func TestLoadChecksBindings(t *testing.T) {
	t.Parallel()

	src := denseSource(t)
	src.bindings = map[string]string{"input": "other"}
	_, err := Load(src)
	require.ErrorContains(t, err, "does not feed first layer")

	src = denseSource(t)
	src.bindings = map[string]string{"input": "x", "output": "hidden"}
	_, err = Load(src)
	require.ErrorContains(t, err, "not written by last layer")

	src = denseSource(t)
	src.layers = append(src.layers, LayerSpec{
		Name: "next", Kind: KindFullyConnected, Input: "elsewhere",
		Weight: "fc.weight", Bias: "fc.bias", Output: "y", OutputShape: []int{2},
	})
	_, err = Load(src)
	require.ErrorContains(t, err, "reads \"elsewhere\"")
}

func TestLoadDefaultsToDefaultTopology(t *testing.T) {
	t.Parallel()

	src := denseSource(t)
	src.layers = nil
	src.params[InputTensor] = paramEntry{p: quant.Params{Scale: 1.0 / 255, ZeroPoint: -128}, dt: quant.DTypeInt8}
	_, err := Load(src)
	// The dense fixture has none of the default tensors.
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "conv", le.Layer)
}

func TestForwardMatchesKernels(t *testing.T) {
	t.Parallel()

	// conv (regular, 2 filters, 3 taps) -> fc 8->3 -> fc 3->2
	p := func(s float64, zp int32) quant.Params { return quant.Params{Scale: s, ZeroPoint: zp} }
	src := &memSource{
		tensors: map[string]tensor.Tensor{
			"c.w": mustTensor(t, quant.DTypeInt8, []int{2, 3, 1}, p(0.02, 0), []int32{10, -20, 30, 5, 5, 5}),
			"c.b": mustTensor(t, quant.DTypeInt32, []int{2}, p(1, 0), []int32{100, -100}),
			"h.w": mustTensor(t, quant.DTypeInt8, []int{3, 8}, p(0.01, 0), []int32{1, 2, 3, 4, 5, 6, 7, 8, -8, -7, -6, -5, -4, -3, -2, -1, 9, 0, 9, 0, 9, 0, 9, 0}),
			"h.b": mustTensor(t, quant.DTypeInt32, []int{3}, p(1, 0), []int32{0, 50, -50}),
			"o.w": mustTensor(t, quant.DTypeInt8, []int{2, 3}, p(0.01, 0), []int32{40, -40, 20, -10, 60, 5}),
			"o.b": mustTensor(t, quant.DTypeInt32, []int{2}, p(1, 0), []int32{7, -7}),
		},
		params: map[string]paramEntry{
			"in":  {p: p(1.0/255, -128), dt: quant.DTypeInt8},
			"c":   {p: p(0.01, -10), dt: quant.DTypeInt8},
			"h":   {p: p(0.05, 3), dt: quant.DTypeInt8},
			"out": {p: p(0.1, 0), dt: quant.DTypeInt8},
		},
		layers: []LayerSpec{
			{Name: "conv", Kind: KindConv, Input: "in", Weight: "c.w", Bias: "c.b", Output: "c", OutputShape: []int{4, 2}, Padding: "same"},
			{Name: "hidden", Kind: KindFullyConnected, Input: "c", Weight: "h.w", Bias: "h.b", Output: "h", OutputShape: []int{1, 3}},
			{Name: "out", Kind: KindFullyConnected, Input: "h", Weight: "o.w", Bias: "o.b", Output: "out", OutputShape: []int{1, 2}},
		},
	}

	net, err := Load(src, WithParallel(parallel.Sequential()))
	require.NoError(t, err)

	x := []float64{0.1, 0.9, 0.5, 0.25}
	in, _, err := net.Quantize(x)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, in.Shape)

	tr, err := net.Forward(in)
	require.NoError(t, err)
	require.Len(t, tr.Steps, 3)

	cur := in
	for i, l := range net.Layers {
		rq := kernels.Requant{
			InputZeroPoint:  l.InputParams.ZeroPoint,
			WeightZeroPoint: l.Weight.Params.ZeroPoint,
			OutputZeroPoint: l.OutputParams.ZeroPoint,
			Multiplier:      l.Multiplier,
			OutputType:      l.OutputType,
			OutputScale:     l.OutputParams.Scale,
			Parallel:        parallel.Sequential(),
		}
		var want tensor.Tensor
		if l.Spec.Kind == KindConv {
			want, _, err = kernels.Conv1D(cur, l.Weight, l.Bias, kernels.ConvConfig{Stride: 1}, rq, l.Spec.OutputShape)
		} else {
			want, _, err = kernels.FullyConnected(cur, l.Weight, l.Bias, rq, l.Spec.OutputShape)
		}
		require.NoError(t, err)
		assert.Equal(t, want.Data, tr.Steps[i].Output.Data, "layer %s", l.Name())
		assert.Equal(t, l.Name(), tr.Steps[i].Layer)
		cur = want
	}

	pred, err := net.Classify(x)
	require.NoError(t, err)
	assert.Equal(t, tr.Output().Data, pred.Logits)
	assert.Equal(t, Argmax(pred.Logits), pred.Class)

	info := net.Describe()
	require.Len(t, info, 3)
	assert.Equal(t, "conv", info[0].Kind)
	assert.InDelta(t, (1.0/255)*0.02/0.01, info[0].RealMultiplier, 1e-9)
}

func TestSyntheticRoundTrip(t *testing.T) {
	t.Parallel()

	w, err := Synthetic(7)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = w.WriteTo(&buf)
	require.NoError(t, err)

	again, err := Synthetic(7)
	require.NoError(t, err)
	var buf2 bytes.Buffer
	_, err = again.WriteTo(&buf2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf.Bytes(), buf2.Bytes()), "same seed must produce the same file")

	f, err := safetensors.Parse(buf.Bytes())
	require.NoError(t, err)
	net, err := Load(FromFile(f))
	require.NoError(t, err)
	require.Len(t, net.Layers, 3)
	assert.Equal(t, InputTensor, net.Input)
	assert.Equal(t, quant.DTypeInt8, net.InputType)

	x := make([]float64, 784)
	for i := range x {
		x[i] = float64(i%255) / 255
	}
	pred, err := net.Classify(x)
	require.NoError(t, err)
	assert.Len(t, pred.Logits, 10)
	assert.GreaterOrEqual(t, pred.Class, 0)
	assert.Less(t, pred.Class, 10)

	// Classification is pure: a repeated call agrees.
	again2, err := net.Classify(x)
	require.NoError(t, err)
	assert.Equal(t, pred, again2)
}

func TestFromFileWithoutManifest(t *testing.T) {
	t.Parallel()

	w := safetensors.NewWriter()
	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)

	f, err := safetensors.Parse(buf.Bytes())
	require.NoError(t, err)
	src := FromFile(f)
	_, err = src.Layers()
	assert.True(t, errors.Is(err, ErrNoManifest))
	_, err = src.Binding("input")
	assert.ErrorIs(t, err, ErrNoBinding)
}

func TestArgmax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1, Argmax(nil))
	assert.Equal(t, 0, Argmax([]int32{5}))
	assert.Equal(t, 2, Argmax([]int32{-3, 1, 9, 4}))
	assert.Equal(t, 1, Argmax([]int32{0, 7, 7, 7}), "ties go to the lowest index")
	assert.Equal(t, 0, Argmax([]int32{-128, -128}))
}

func TestLayerSpecJSON(t *testing.T) {
	t.Parallel()

	s, err := EncodeLayers(DefaultTopology())
	require.NoError(t, err)
	assert.Contains(t, s, `"kind":"conv"`)
	assert.Contains(t, s, `"kind":"fully_connected"`)

	w := safetensors.NewWriter()
	w.SetMetadata(safetensors.MetaLayers, s)
	var buf bytes.Buffer
	_, err = w.WriteTo(&buf)
	require.NoError(t, err)
	f, err := safetensors.Parse(buf.Bytes())
	require.NoError(t, err)

	specs, err := FromFile(f).Layers()
	require.NoError(t, err)
	assert.Equal(t, DefaultTopology(), specs)
}
