// Package tensor implements quantized tensors: integer elements of a fixed
// storage type paired with the affine parameters that give them real values.
package tensor

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/samcharles93/qinfer/internal/quant"
)

// Tensor is a dense row-major array of quantized elements.
//
// Elements are held widened to int32 whatever the storage type; DType bounds
// the values they may take. Real value of an element is
// (Data[i] - Params.ZeroPoint) * Params.Scale.
type Tensor struct {
	DType  quant.DType
	Shape  []int
	Params quant.Params
	Data   []int32
}

// New allocates a tensor with every element set to the zero point.
func New(dt quant.DType, shape []int, p quant.Params) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if !dt.Contains(int64(p.ZeroPoint)) {
		return Tensor{}, fmt.Errorf("zero point %d outside %s range", p.ZeroPoint, dt)
	}
	data := make([]int32, n)
	if p.ZeroPoint != 0 {
		for i := range data {
			data[i] = p.ZeroPoint
		}
	}
	return Tensor{DType: dt, Shape: slices.Clone(shape), Params: p, Data: data}, nil
}

// FromData wraps data without copying. It checks that the length matches
// the shape and that every element is representable in dt.
func FromData(dt quant.DType, shape []int, p quant.Params, data []int32) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if len(data) != n {
		return Tensor{}, quant.NewShapeError("tensor", "shape %v holds %d elements, got %d", shape, n, len(data))
	}
	if dt != quant.DTypeInt32 {
		for i, v := range data {
			if !dt.Contains(int64(v)) {
				return Tensor{}, fmt.Errorf("element %d = %d outside %s range", i, v, dt)
			}
		}
	}
	return Tensor{DType: dt, Shape: slices.Clone(shape), Params: p, Data: data}, nil
}

// FromRaw decodes little-endian element bytes as stored in model files.
func FromRaw(dt quant.DType, shape []int, p quant.Params, raw []byte) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	size := dt.Size()
	if size == 0 {
		return Tensor{}, errUnsupportedDType
	}
	if len(raw) != n*size {
		return Tensor{}, fmt.Errorf("%w: want %d bytes for %v %s, got %d", errRawSizeMismatch, n*size, shape, dt, len(raw))
	}
	data := make([]int32, n)
	switch dt {
	case quant.DTypeInt8:
		for i := range data {
			data[i] = int32(int8(raw[i]))
		}
	case quant.DTypeUInt8:
		for i := range data {
			data[i] = int32(raw[i])
		}
	case quant.DTypeInt32:
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return Tensor{DType: dt, Shape: slices.Clone(shape), Params: p, Data: data}, nil
}

// Bytes encodes the elements little-endian in their storage width.
func (t Tensor) Bytes() []byte {
	size := t.DType.Size()
	out := make([]byte, len(t.Data)*size)
	switch t.DType {
	case quant.DTypeInt8, quant.DTypeUInt8:
		for i, v := range t.Data {
			out[i] = byte(v)
		}
	case quant.DTypeInt32:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
	}
	return out
}

// Len is the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// Reshape returns a view of t with a new shape holding the same number of
// elements. The data is shared.
func (t Tensor) Reshape(shape []int) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(t.Data) {
		return Tensor{}, quant.NewShapeError("reshape", "cannot view %v as %v", t.Shape, shape)
	}
	t.Shape = slices.Clone(shape)
	return t, nil
}

// Flatten views t as a single row [1, N].
func (t Tensor) Flatten() Tensor {
	t.Shape = []int{1, len(t.Data)}
	return t
}

// Row returns the i-th row of the innermost dimension.
func (t Tensor) Row(i int) []int32 {
	c := t.Shape[len(t.Shape)-1]
	return t.Data[i*c : (i+1)*c]
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s%v scale=%g zp=%d", t.DType, t.Shape, t.Params.Scale, t.Params.ZeroPoint)
}

// NumElements returns the product of the dimensions. Every dimension must be
// positive.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errEmptyShape
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w %d in %v", errInvalidDim, d, shape)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errTensorTooLarge
		}
		n *= d
	}
	return n, nil
}

// Squeeze drops unit dimensions, keeping at least one.
func Squeeze(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = append(out, 1)
	}
	return out
}

var (
	errEmptyShape       = fmtError("empty shape")
	errInvalidDim       = fmtError("invalid dimension")
	errTensorTooLarge   = fmtError("tensor too large")
	errUnsupportedDType = fmtError("unsupported dtype for quantized tensor")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
