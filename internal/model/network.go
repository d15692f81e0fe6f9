package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qinfer/internal/logger"
	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Options configure Load.
type Options struct {
	Parallel parallel.Config
	Logger   logger.Logger
}

type Option func(*Options)

// WithParallel sets the fan-out used by every layer kernel.
func WithParallel(cfg parallel.Config) Option {
	return func(o *Options) { o.Parallel = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Network is a chain of layers, each consuming the previous layer's output.
// A loaded Network is read-only and safe for concurrent use.
type Network struct {
	Layers []*Layer

	Input       string
	InputParams quant.Params
	InputType   quant.DType

	log logger.Logger
}

// Load resolves the input binding and the layer manifest of src. Models
// without a manifest are read with DefaultTopology.
func Load(src Source, opts ...Option) (*Network, error) {
	o := Options{Parallel: parallel.DefaultConfig(), Logger: logger.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	specs, err := src.Layers()
	switch {
	case errors.Is(err, ErrNoManifest):
		o.Logger.Debug("no layer manifest, using default topology")
		specs = DefaultTopology()
	case err != nil:
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}

	input, err := src.Binding("input")
	switch {
	case errors.Is(err, ErrNoBinding):
		input = specs[0].Input
	case err != nil:
		return nil, err
	}
	if input != specs[0].Input {
		return nil, fmt.Errorf("input binding %q does not feed first layer %s (reads %q)", input, specs[0].Name, specs[0].Input)
	}
	for i := 1; i < len(specs); i++ {
		if specs[i].Input != specs[i-1].Output {
			return nil, fmt.Errorf("layer %s reads %q but layer %s writes %q", specs[i].Name, specs[i].Input, specs[i-1].Name, specs[i-1].Output)
		}
	}
	last := specs[len(specs)-1]
	if output, err := src.Binding("output"); err == nil && output != last.Output {
		return nil, fmt.Errorf("output binding %q is not written by last layer %s", output, last.Name)
	}

	n := &Network{Input: input, log: o.Logger}
	if n.InputParams, n.InputType, err = src.Params(input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	for _, spec := range specs {
		l, err := NewLayer(spec, src)
		if err != nil {
			return nil, err
		}
		l.par = o.Parallel
		n.Layers = append(n.Layers, l)
		o.Logger.Debug("loaded layer",
			"name", spec.Name,
			"kind", spec.Kind.String(),
			"weight", l.Weight.String(),
			"multiplier", l.Multiplier.String(),
		)
	}
	return n, nil
}

// Quantize converts real input values into the network's input tensor.
// The values are laid out as steps of the first layer's channel count.
func (n *Network) Quantize(x []float64) (tensor.Tensor, quant.Saturation, error) {
	c := n.inputChannels()
	if c <= 0 || len(x) == 0 || len(x)%c != 0 {
		return tensor.Tensor{}, quant.Saturation{}, quant.NewShapeError("quantize", "%d values are not a whole number of %d-channel steps", len(x), c)
	}
	return tensor.Quantize(n.InputParams, n.InputType, []int{len(x) / c, c}, x)
}

func (n *Network) inputChannels() int {
	first := n.Layers[0]
	ws := first.Weight.Shape
	switch {
	case first.Spec.Kind == KindFullyConnected:
		return ws[1]
	case first.Spec.Depthwise:
		return 1
	default:
		return ws[len(ws)-1]
	}
}

// Step is the output of one layer.
type Step struct {
	Layer      string
	Output     tensor.Tensor
	Saturation quant.Saturation
}

// Trace records every intermediate output of a forward pass, so that a run
// can be compared layer by layer with a reference evaluator.
type Trace struct {
	Input tensor.Tensor
	Steps []Step
}

// Output is the last layer's output.
func (t Trace) Output() tensor.Tensor {
	if len(t.Steps) == 0 {
		return t.Input
	}
	return t.Steps[len(t.Steps)-1].Output
}

// Saturation sums the clamps of every layer.
func (t Trace) Saturation() quant.Saturation {
	var s quant.Saturation
	for _, st := range t.Steps {
		s = s.Add(st.Saturation)
	}
	return s
}

// Forward runs every layer in order.
func (n *Network) Forward(in tensor.Tensor) (Trace, error) {
	tr := Trace{Input: in, Steps: make([]Step, 0, len(n.Layers))}
	cur := in
	for _, l := range n.Layers {
		out, sat, err := l.Apply(cur)
		if err != nil {
			return Trace{}, err
		}
		if sat.Total() > 0 {
			n.log.Debug("layer output saturated",
				"layer", l.Name(),
				"low", sat.Low,
				"high", sat.High,
				"reason", quant.ErrRangeClamp,
			)
		}
		tr.Steps = append(tr.Steps, Step{Layer: l.Name(), Output: out, Saturation: sat})
		cur = out
	}
	return tr, nil
}

// Prediction is the result of classifying one sample.
type Prediction struct {
	Class  int
	Logits []int32
	// Saturation covers input quantization and every layer.
	Saturation quant.Saturation
}

// Classify quantizes x, runs the network and returns the index of the
// largest output. Softmax is not applied; it does not change the argmax.
func (n *Network) Classify(x []float64) (Prediction, error) {
	in, sat, err := n.Quantize(x)
	if err != nil {
		return Prediction{}, err
	}
	tr, err := n.Forward(in)
	if err != nil {
		return Prediction{}, err
	}
	logits := tr.Output().Data
	return Prediction{
		Class:      Argmax(logits),
		Logits:     logits,
		Saturation: sat.Add(tr.Saturation()),
	}, nil
}

// Describe summarizes every layer.
func (n *Network) Describe() []LayerInfo {
	out := make([]LayerInfo, len(n.Layers))
	for i, l := range n.Layers {
		out[i] = l.Info()
	}
	return out
}

// Argmax returns the index of the largest value, preferring the lowest
// index on ties, or -1 for an empty slice.
func Argmax(v []int32) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
