package tensor

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/qinfer/internal/quant"
)

func TestQuantize(t *testing.T) {
	t.Parallel()

	p := quant.Params{Scale: 0.5, ZeroPoint: -128}
	x := []float64{0, 127.5, 64, 1, 1.25}
	got, sat, err := Quantize(p, quant.DTypeInt8, []int{1, 5}, x)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if sat.Total() != 0 {
		t.Fatalf("expected no saturation, got %+v", sat)
	}

	// 1.25/0.5 = 2.5 rounds away from zero to 3.
	want := []int32{-128, 127, 0, -126, -125}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("element %d: expected %d, got %d", i, want[i], got.Data[i])
		}
	}
}

func TestQuantizeSaturates(t *testing.T) {
	t.Parallel()

	p := quant.Params{Scale: 0.1, ZeroPoint: 0}
	got, sat, err := Quantize(p, quant.DTypeInt8, []int{4}, []float64{100, -100, math.Inf(1), 1})
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	want := []int32{127, -128, 127, 10}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("element %d: expected %d, got %d", i, want[i], got.Data[i])
		}
	}
	if sat.High != 2 || sat.Low != 1 {
		t.Fatalf("expected 2 high and 1 low clamps, got %+v", sat)
	}

	u, sat, err := Quantize(quant.Params{Scale: 0.1, ZeroPoint: 10}, quant.DTypeUInt8, []int{1}, []float64{-5})
	if err != nil {
		t.Fatalf("Quantize uint8: %v", err)
	}
	if u.Data[0] != 0 || sat.Low != 1 {
		t.Fatalf("expected clamp to 0, got %d %+v", u.Data[0], sat)
	}
}

func TestQuantizeErrors(t *testing.T) {
	t.Parallel()

	_, _, err := Quantize(quant.Params{Scale: 1}, quant.DTypeInt8, []int{3}, []float64{1, 2})
	if !errors.Is(err, quant.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, _, err := Quantize(quant.Params{Scale: 0}, quant.DTypeInt8, []int{1}, []float64{1}); err == nil {
		t.Fatal("expected error for zero scale")
	}
	if _, _, err := Quantize(quant.Params{Scale: 1, ZeroPoint: 300}, quant.DTypeInt8, []int{1}, []float64{1}); err == nil {
		t.Fatal("expected error for zero point outside int8")
	}
	if _, _, err := Quantize(quant.Params{Scale: 1}, quant.DTypeInt8, []int{1}, []float64{math.NaN()}); err == nil {
		t.Fatal("expected error for NaN input")
	}
}

func TestQuantizeDequantizeWithinHalfScale(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(11, 12))

	params := []struct {
		p  quant.Params
		dt quant.DType
	}{
		{quant.Params{Scale: 1.0 / 255, ZeroPoint: -128}, quant.DTypeInt8},
		{quant.Params{Scale: 0.0431, ZeroPoint: 17}, quant.DTypeInt8},
		{quant.Params{Scale: 0.02, ZeroPoint: 157}, quant.DTypeUInt8},
	}

	for _, tc := range params {
		lo := tc.p.Real(tc.dt.Min())
		hi := tc.p.Real(tc.dt.Max())
		x := make([]float64, 1000)
		for i := range x {
			x[i] = lo + rng.Float64()*(hi-lo)
		}
		q, sat, err := Quantize(tc.p, tc.dt, []int{len(x)}, x)
		if err != nil {
			t.Fatalf("Quantize: %v", err)
		}
		if sat.Total() != 0 {
			t.Fatalf("expected no saturation inside representable range, got %+v", sat)
		}
		back := Dequantize(q)
		for i := range x {
			if d := math.Abs(back[i] - x[i]); d > tc.p.Scale/2+1e-12 {
				t.Fatalf("round trip of %g: got %g (diff %g > %g)", x[i], back[i], d, tc.p.Scale/2)
			}
		}
	}
}
