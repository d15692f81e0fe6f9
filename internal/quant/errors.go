package quant

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRangeMultiplier means a real multiplier fell outside (0, 1).
	// It points at a scale mismatch in the extracted model parameters.
	ErrOutOfRangeMultiplier = errors.New("multiplier out of range")
	// ErrShapeMismatch means the supplied tensors cannot satisfy the
	// accumulation pattern of a kernel.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrRangeClamp tags saturation reports. It is never returned as a
	// failure; clamping is an expected consequence of 8-bit range.
	ErrRangeClamp = errors.New("value clamped to range")
)

// MultiplierRangeError carries the offending real multiplier.
type MultiplierRangeError struct {
	M float64
}

func (e *MultiplierRangeError) Error() string {
	return fmt.Sprintf("%v: %g not in (0, 1)", ErrOutOfRangeMultiplier, e.M)
}

func (e *MultiplierRangeError) Unwrap() error {
	return ErrOutOfRangeMultiplier
}

// ShapeError describes which operation rejected which shapes.
type ShapeError struct {
	Op     string
	Detail string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrShapeMismatch, e.Detail)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// NewShapeError formats a ShapeError for op.
func NewShapeError(op, format string, args ...any) error {
	return &ShapeError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
