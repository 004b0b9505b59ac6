package field

import (
	"fmt"
	"math"
)

// Aggregator reduces the realization values at one grid point.
type Aggregator int

const (
	Mean Aggregator = iota
	// Variance is the unbiased (n-1) sample variance. A single member has zero
	// variance.
	Variance
)

func (a Aggregator) String() string {
	switch a {
	case Mean:
		return "mean"
	case Variance:
		return "variance"
	default:
		return fmt.Sprintf("Aggregator(%d)", int(a))
	}
}

// CollapseRealizations aggregates f over its realization axis. The result has
// the remaining axes in canonical order and no realization numbers. NaN
// members propagate into the result.
func (f *Field) CollapseRealizations(agg Aggregator) (*Field, error) {
	if !f.HasAxis(AxisRealization) {
		return nil, fmt.Errorf("collapse %s: %w: %s", agg, ErrNoAxis, AxisRealization)
	}
	c, err := f.Canonical()
	if err != nil {
		return nil, err
	}

	nr := c.Shape[0]
	stride := len(c.Data) / nr
	out := c.Clone()
	out.Axes = out.Axes[1:]
	out.Shape = out.Shape[1:]
	out.Realizations = nil
	out.Data = make([]float32, stride)

	for i := 0; i < stride; i++ {
		var sum float64
		for r := 0; r < nr; r++ {
			sum += float64(c.Data[r*stride+i])
		}
		mean := sum / float64(nr)
		switch agg {
		case Mean:
			out.Data[i] = float32(mean)
		case Variance:
			if nr < 2 {
				if math.IsNaN(mean) {
					out.Data[i] = float32(math.NaN())
				}
				continue
			}
			var ss float64
			for r := 0; r < nr; r++ {
				d := float64(c.Data[r*stride+i]) - mean
				ss += d * d
			}
			out.Data[i] = float32(ss / float64(nr-1))
		default:
			return nil, fmt.Errorf("collapse: unknown aggregator %d", int(agg))
		}
	}
	return out, nil
}
