package model

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/qinfer/internal/quant"
	"github.com/samcharles93/qinfer/internal/safetensors"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// Source answers the loader queries made while building a network.
type Source interface {
	// Tensor returns a stored tensor together with its quantization.
	Tensor(name string) (tensor.Tensor, error)
	// Params returns the quantization of a tensor, which may be an
	// activation with no stored data.
	Params(name string) (quant.Params, quant.DType, error)
	// Binding resolves a role such as "input" or "output" to a tensor name.
	Binding(role string) (string, error)
	// Layers returns the layer manifest, or ErrNoManifest.
	Layers() ([]LayerSpec, error)
}

var (
	ErrNoManifest = errors.New("model has no layer manifest")
	ErrNoBinding  = errors.New("binding not found")
)

type fileSource struct {
	f *safetensors.File
}

// FromFile adapts an open safetensors container to Source. The returned
// tensors copy their data out of the file.
func FromFile(f *safetensors.File) Source {
	return fileSource{f: f}
}

func (s fileSource) Tensor(name string) (tensor.Tensor, error) {
	raw, info, err := s.f.ReadTensor(name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	dt, err := quant.ParseDType(info.DType)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}

	var p quant.Params
	qi, err := s.f.QuantParams(name)
	switch {
	case err == nil:
		p = quant.Params{Scale: qi.Scale, ZeroPoint: qi.ZeroPoint}
		if qi.DType != "" && qi.DType != info.DType {
			return tensor.Tensor{}, fmt.Errorf("tensor %s: stored as %s but quantized as %s", name, info.DType, qi.DType)
		}
	case errors.Is(err, safetensors.ErrNoQuantParams) && dt == quant.DTypeInt32:
		// Biases are often stored without a record; their scale is implied.
		p = quant.Params{Scale: 1}
	default:
		return tensor.Tensor{}, err
	}

	t, err := tensor.FromRaw(dt, info.Shape, p, raw)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t, nil
}

func (s fileSource) Params(name string) (quant.Params, quant.DType, error) {
	qi, err := s.f.QuantParams(name)
	if err != nil {
		return quant.Params{}, quant.DTypeInvalid, err
	}
	dt, err := quant.ParseDType(qi.DType)
	if err != nil {
		return quant.Params{}, quant.DTypeInvalid, fmt.Errorf("tensor %s: %w", name, err)
	}
	p := quant.Params{Scale: qi.Scale, ZeroPoint: qi.ZeroPoint}
	if err := p.Validate(dt); err != nil {
		return quant.Params{}, quant.DTypeInvalid, fmt.Errorf("tensor %s: %w", name, err)
	}
	return p, dt, nil
}

func (s fileSource) Binding(role string) (string, error) {
	name, ok := s.f.Binding(role)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoBinding, role)
	}
	return name, nil
}

func (s fileSource) Layers() ([]LayerSpec, error) {
	raw, ok := s.f.Metadata[safetensors.MetaLayers]
	if !ok {
		return nil, ErrNoManifest
	}
	var specs []LayerSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", safetensors.MetaLayers, err)
	}
	return specs, nil
}

// EncodeLayers serializes a manifest for the MetaLayers metadata key.
func EncodeLayers(specs []LayerSpec) (string, error) {
	b, err := json.Marshal(specs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
