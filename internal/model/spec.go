package model

import (
	"fmt"

	"github.com/samcharles93/qinfer/internal/kernels"
)

// Kind selects the kernel a layer runs.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindConv
	KindFullyConnected
)

func (k Kind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindFullyConnected:
		return "fully_connected"
	default:
		return "invalid"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindInvalid {
		return nil, fmt.Errorf("cannot marshal invalid layer kind")
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "conv", "conv1d", "conv_2d", "depthwise_conv_2d":
		*k = KindConv
	case "fully_connected", "dense", "fc":
		*k = KindFullyConnected
	default:
		return fmt.Errorf("unknown layer kind %q", b)
	}
	return nil
}

// LayerSpec binds the symbolic roles of a layer to tensor names in the model
// file. It is resolved once at load time.
type LayerSpec struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Input       string `json:"input"`
	Weight      string `json:"weight"`
	Bias        string `json:"bias"`
	Output      string `json:"output"`
	OutputShape []int  `json:"output_shape"`

	// Conv only.
	Stride    int    `json:"stride,omitempty"`
	Padding   string `json:"padding,omitempty"`
	Depthwise bool   `json:"depthwise,omitempty"`
}

func (s LayerSpec) convConfig() (kernels.ConvConfig, error) {
	pad, err := kernels.ParsePadding(s.Padding)
	if err != nil {
		return kernels.ConvConfig{}, err
	}
	return kernels.ConvConfig{Stride: max(s.Stride, 1), Padding: pad, Depthwise: s.Depthwise}, nil
}

func (s LayerSpec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("layer spec without name")
	case s.Kind == KindInvalid:
		return fmt.Errorf("layer %s: missing kind", s.Name)
	case s.Input == "" || s.Weight == "" || s.Bias == "" || s.Output == "":
		return fmt.Errorf("layer %s: input, weight, bias and output must all be bound", s.Name)
	case len(s.OutputShape) == 0:
		return fmt.Errorf("layer %s: missing output shape", s.Name)
	}
	return nil
}

// Tensor names used by DefaultTopology.
const (
	InputTensor  = "input"
	LogitsTensor = "logits"
)

// DefaultTopology is the MNIST classifier: a 3-tap convolution with 16
// filters over the 784 flattened pixels, a 128-unit hidden layer and a
// 10-way output layer.
func DefaultTopology() []LayerSpec {
	return []LayerSpec{
		{
			Name:        "conv",
			Kind:        KindConv,
			Input:       InputTensor,
			Weight:      "conv.weight",
			Bias:        "conv.bias",
			Output:      "conv.output",
			OutputShape: []int{784, 16},
			Stride:      1,
			Padding:     "same",
		},
		{
			Name:        "dense",
			Kind:        KindFullyConnected,
			Input:       "conv.output",
			Weight:      "dense.weight",
			Bias:        "dense.bias",
			Output:      "dense.output",
			OutputShape: []int{1, 128},
		},
		{
			Name:        "pred",
			Kind:        KindFullyConnected,
			Input:       "dense.output",
			Weight:      "pred.weight",
			Bias:        "pred.bias",
			Output:      LogitsTensor,
			OutputShape: []int{1, 10},
		},
	}
}
