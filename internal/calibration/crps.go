package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// BadValue replaces the CRPS wherever mu/sigma is not finite, steering the
	// minimiser away from that region.
	BadValue = 999999
	// TruncationStabilityLimit is the smallest mu/sigma for which the
	// truncated normal renormalisation is trusted. The value is empirical.
	TruncationStabilityLimit = -3
)

var (
	sqrtPi = float32(math.Sqrt(math.Pi))
	sqrt2  = float32(math.Sqrt2)
)

// TrainingData holds flattened historic forecasts and the truths they verify
// against. Predictor has one row in mean mode and one row per realization in
// realizations mode; every row, Truth and Variance have the same length.
type TrainingData struct {
	Mode      PredictorMode
	Predictor [][]float32
	Truth     []float32
	Variance  []float32
}

func (d *TrainingData) Len() int {
	return len(d.Truth)
}

// CoefficientCount is the coefficient vector length this data needs.
func (d *TrainingData) CoefficientCount() int {
	return d.Mode.CoefficientCount(len(d.Predictor))
}

func (d *TrainingData) validate() error {
	if err := d.Mode.validate(); err != nil {
		return err
	}
	if len(d.Predictor) == 0 {
		return fmt.Errorf("%w: no predictor rows", ErrShapeMismatch)
	}
	if d.Mode == PredictorMean && len(d.Predictor) != 1 {
		return fmt.Errorf("%w: mean predictor needs one row, got %d", ErrShapeMismatch, len(d.Predictor))
	}
	n := len(d.Truth)
	if len(d.Variance) != n {
		return fmt.Errorf("%w: %d truth values but %d variances", ErrShapeMismatch, n, len(d.Variance))
	}
	for i, row := range d.Predictor {
		if len(row) != n {
			return fmt.Errorf("%w: predictor row %d has %d values, want %d", ErrShapeMismatch, i, len(row), n)
		}
	}
	return nil
}

// Objective is a loss over coefficient vectors, ordered
// [gamma, delta, alpha, beta...].
type Objective interface {
	Loss(params []float64, data *TrainingData) float64
}

func (d Distribution) objective(truncationLimit float32) (Objective, error) {
	switch d {
	case Gaussian:
		return GaussianCRPS{}, nil
	case TruncatedGaussian:
		return TruncatedGaussianCRPS{StabilityLimit: truncationLimit}, nil
	}
	return nil, fmt.Errorf("%w: distribution %q is not supported", ErrConfiguration, d.String())
}

// coefficients unpacks params into float32. In realizations mode each beta
// is squared so no member can take a negative weight.
func coefficients(params []float64, mode PredictorMode) (gamma, delta, alpha float32, beta []float32) {
	gamma, delta, alpha = float32(params[0]), float32(params[1]), float32(params[2])
	beta = make([]float32, len(params)-3)
	for i, b := range params[3:] {
		beta[i] = float32(b)
		if mode == PredictorRealizations {
			beta[i] *= beta[i]
		}
	}
	return gamma, delta, alpha, beta
}

// location returns mu and sigma at grid point i.
func (d *TrainingData) location(i int, gamma, delta, alpha float32, beta []float32) (mu, sigma float32) {
	mu = alpha
	for r, row := range d.Predictor {
		mu += beta[r] * row[i]
	}
	sigma = float32(math.Sqrt(float64(gamma*gamma + delta*delta*d.Variance[i])))
	return mu, sigma
}

func cdf(x float32) float32 {
	return float32(distuv.UnitNormal.CDF(float64(x)))
}

func pdf(x float32) float32 {
	return float32(distuv.UnitNormal.Prob(float64(x)))
}

func finite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// GaussianCRPS is the closed-form CRPS of a normal predictive distribution
// (Gneiting et al. 2005), summed over all points.
type GaussianCRPS struct{}

func (GaussianCRPS) Loss(params []float64, data *TrainingData) float64 {
	gamma, delta, alpha, beta := coefficients(params, data.Mode)

	terms := make([]float32, 0, data.Len())
	for i := range data.Truth {
		mu, sigma := data.location(i, gamma, delta, alpha, beta)
		if !finite(mu / sigma) {
			return BadValue
		}
		xz := (data.Truth[i] - mu) / sigma
		terms = append(terms, sigma*(xz*(2*cdf(xz)-1)+2*pdf(xz)-1/sqrtPi))
	}
	return float64(nanSum(terms))
}

// TruncatedGaussianCRPS is the CRPS of a normal distribution truncated at
// zero (Thorarinsdottir & Gneiting 2010), summed over all points.
type TruncatedGaussianCRPS struct {
	// StabilityLimit is the smallest mu/sigma accepted before BadValue is
	// returned.
	StabilityLimit float32
}

func (o TruncatedGaussianCRPS) Loss(params []float64, data *TrainingData) float64 {
	gamma, delta, alpha, beta := coefficients(params, data.Mode)

	terms := make([]float32, 0, data.Len())
	for i := range data.Truth {
		mu, sigma := data.location(i, gamma, delta, alpha, beta)
		x0 := mu / sigma
		if !finite(x0) || x0 < o.StabilityLimit {
			return BadValue
		}
		xz := (data.Truth[i] - mu) / sigma
		cdf0 := cdf(x0)
		score := xz*cdf0*(2*cdf(xz)+cdf0-2) + 2*pdf(xz)*cdf0 - cdf(sqrt2*x0)/sqrtPi
		terms = append(terms, sigma/(cdf0*cdf0)*score)
	}
	return float64(nanSum(terms))
}

// nanSum adds the non-NaN values pairwise in float32.
func nanSum(values []float32) float32 {
	const block = 8
	if len(values) <= block {
		var s float32
		for _, v := range values {
			if !math.IsNaN(float64(v)) {
				s += v
			}
		}
		return s
	}
	mid := len(values) / 2
	return nanSum(values[:mid]) + nanSum(values[mid:])
}
