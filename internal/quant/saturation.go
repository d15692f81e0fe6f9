package quant

import "sync/atomic"

// Saturation counts elements that were clamped while quantizing or
// requantizing. Low counts values raised to the type minimum, High values
// lowered to the type maximum.
type Saturation struct {
	Low  int
	High int
}

func (s Saturation) Total() int { return s.Low + s.High }

// Add returns the element-wise sum of s and o.
func (s Saturation) Add(o Saturation) Saturation {
	return Saturation{Low: s.Low + o.Low, High: s.High + o.High}
}

// SaturationCounter accumulates clamp events from concurrent writers.
type SaturationCounter struct {
	low  atomic.Int64
	high atomic.Int64
}

// Record takes the direction returned by DType.Clamp.
func (c *SaturationCounter) Record(dir int) {
	switch {
	case dir < 0:
		c.low.Add(1)
	case dir > 0:
		c.high.Add(1)
	}
}

func (c *SaturationCounter) Snapshot() Saturation {
	return Saturation{Low: int(c.low.Load()), High: int(c.high.Load())}
}
