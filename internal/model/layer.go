package model

import (
	"fmt"

	"github.com/samcharles93/qinfer/internal/kernels"
	"github.com/samcharles93/qinfer/internal/parallel"
	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Layer is a resolved Conv or FullyConnected layer. It is built once by
// NewLayer and never modified afterwards.
type Layer struct {
	Spec LayerSpec

	Weight tensor.Tensor
	Bias   tensor.Tensor

	InputParams  quant.Params
	InputType    quant.DType
	OutputParams quant.Params
	OutputType   quant.DType

	Multiplier quant.FixedPointMultiplier

	conv kernels.ConvConfig
	par  parallel.Config
}

// NewLayer resolves the tensors named by spec and derives the layer's
// fixed-point multiplier.
func NewLayer(spec LayerSpec, src Source) (*Layer, error) {
	l, err := newLayer(spec, src)
	if err != nil {
		return nil, &LayerError{Layer: spec.Name, Err: err}
	}
	return l, nil
}

func newLayer(spec LayerSpec, src Source) (*Layer, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	l := &Layer{Spec: spec, par: parallel.DefaultConfig()}

	var err error
	if l.Weight, err = src.Tensor(spec.Weight); err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	if l.Weight.DType != quant.DTypeInt8 && l.Weight.DType != quant.DTypeUInt8 {
		return nil, fmt.Errorf("weight %s: 8-bit weights required, got %s", spec.Weight, l.Weight.DType)
	}
	if err := l.Weight.Params.Validate(l.Weight.DType); err != nil {
		return nil, fmt.Errorf("weight %s: %w", spec.Weight, err)
	}

	if l.Bias, err = src.Tensor(spec.Bias); err != nil {
		return nil, fmt.Errorf("bias: %w", err)
	}
	if l.Bias.DType != quant.DTypeInt32 {
		return nil, fmt.Errorf("bias %s: must be %s, got %s", spec.Bias, quant.DTypeInt32, l.Bias.DType)
	}
	if l.Bias.Params.ZeroPoint != 0 {
		return nil, fmt.Errorf("bias %s: zero point must be 0, got %d", spec.Bias, l.Bias.Params.ZeroPoint)
	}

	if l.InputParams, l.InputType, err = src.Params(spec.Input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if l.OutputParams, l.OutputType, err = src.Params(spec.Output); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	if l.OutputType == quant.DTypeInt32 {
		return nil, fmt.Errorf("output %s: requantized outputs must be 8-bit", spec.Output)
	}

	switch spec.Kind {
	case KindConv:
		if l.conv, err = spec.convConfig(); err != nil {
			return nil, err
		}
	case KindFullyConnected:
		if len(l.Weight.Shape) != 2 {
			return nil, quant.NewShapeError("fully_connected", "weight must be [N, K], got %v", l.Weight.Shape)
		}
		if l.Bias.Len() != l.Weight.Shape[0] {
			return nil, quant.NewShapeError("fully_connected", "bias has %d elements for %d outputs", l.Bias.Len(), l.Weight.Shape[0])
		}
	}
	if _, err := tensor.NumElements(spec.OutputShape); err != nil {
		return nil, fmt.Errorf("output shape: %w", err)
	}

	if l.Multiplier, err = quant.Multiplier(l.InputParams, l.Weight.Params, l.OutputParams); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layer) Name() string { return l.Spec.Name }

func (l *Layer) requant() kernels.Requant {
	return kernels.Requant{
		InputZeroPoint:  l.InputParams.ZeroPoint,
		WeightZeroPoint: l.Weight.Params.ZeroPoint,
		OutputZeroPoint: l.OutputParams.ZeroPoint,
		Multiplier:      l.Multiplier,
		OutputType:      l.OutputType,
		OutputScale:     l.OutputParams.Scale,
		Parallel:        l.par,
	}
}

// Apply runs the layer on in, which must carry the layer's input type.
// The input zero point is the one recorded for the layer's input tensor.
func (l *Layer) Apply(in tensor.Tensor) (tensor.Tensor, quant.Saturation, error) {
	if in.DType != l.InputType {
		return tensor.Tensor{}, quant.Saturation{}, &LayerError{
			Layer: l.Spec.Name,
			Err:   fmt.Errorf("input is %s, want %s", in.DType, l.InputType),
		}
	}

	var (
		out tensor.Tensor
		sat quant.Saturation
		err error
	)
	switch l.Spec.Kind {
	case KindConv:
		out, sat, err = kernels.Conv1D(in, l.Weight, l.Bias, l.conv, l.requant(), l.Spec.OutputShape)
	case KindFullyConnected:
		out, sat, err = kernels.FullyConnected(in, l.Weight, l.Bias, l.requant(), l.Spec.OutputShape)
	default:
		err = fmt.Errorf("unsupported layer kind %s", l.Spec.Kind)
	}
	if err != nil {
		return tensor.Tensor{}, quant.Saturation{}, &LayerError{Layer: l.Spec.Name, Err: err}
	}
	return out, sat, nil
}

// LayerInfo summarizes a layer for display.
type LayerInfo struct {
	Name           string                     `json:"name"`
	Kind           string                     `json:"kind"`
	Input          string                     `json:"input"`
	Output         string                     `json:"output"`
	WeightShape    []int                      `json:"weight_shape"`
	WeightType     string                     `json:"weight_type"`
	OutputShape    []int                      `json:"output_shape"`
	InputParams    quant.Params               `json:"input_params"`
	WeightParams   quant.Params               `json:"weight_params"`
	OutputParams   quant.Params               `json:"output_params"`
	Multiplier     quant.FixedPointMultiplier `json:"multiplier"`
	RealMultiplier float64                    `json:"real_multiplier"`
}

func (l *Layer) Info() LayerInfo {
	return LayerInfo{
		Name:           l.Spec.Name,
		Kind:           l.Spec.Kind.String(),
		Input:          l.Spec.Input,
		Output:         l.Spec.Output,
		WeightShape:    append([]int(nil), l.Weight.Shape...),
		WeightType:     l.Weight.DType.String(),
		OutputShape:    append([]int(nil), l.Spec.OutputShape...),
		InputParams:    l.InputParams,
		WeightParams:   l.Weight.Params,
		OutputParams:   l.OutputParams,
		Multiplier:     l.Multiplier,
		RealMultiplier: l.Multiplier.Real(),
	}
}
