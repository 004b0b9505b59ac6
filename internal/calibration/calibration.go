// Package calibration estimates and applies Ensemble Model Output Statistics
// (EMOS), also known as Nonhomogeneous Gaussian Regression (NGR), to ensemble
// forecasts.
//
// Coefficients [gamma, delta, alpha, beta] are fitted per validity time by
// minimising the continuous ranked probability score of a normal or
// zero-truncated normal predictive distribution over a training period. The
// calibrated mean is alpha + beta*predictor and the calibrated variance is
// gamma^2 + delta^2*ensemble variance.
package calibration

import (
	"context"
	"fmt"

	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/models"
)

// Options configures a calibration. Zero numeric fields and nil pointers
// take their defaults.
type Options struct {
	// Method must name EMOS or NGR.
	Method        string
	Distribution  string
	PredictorMode string
	// Units all inputs are converted to before calibrating. Empty calibrates
	// in the units of the historic forecast.
	Units string

	UseRegression bool
	// Regressor computes the regression initial guess. nil means no backend
	// is available.
	Regressor Regressor
	// ReuseSeed starts each date from the previous date's optimum. It has no
	// effect when Workers > 1.
	ReuseSeed bool
	Workers   int

	MaxIterations             int
	ToleratedPercentageChange float64
	// TruncationStabilityLimit is the smallest mu/sigma the truncated
	// Gaussian loss accepts. nil means TruncationStabilityLimit.
	TruncationStabilityLimit *float64
	FunctionTolerance        float64
	ConvergenceIterations    int
}

// DefaultOptions is EMOS with a Gaussian distribution on the ensemble mean,
// with a regression initial guess and seed reuse.
func DefaultOptions() Options {
	return Options{
		Method:        "ensemble model output statistics",
		Distribution:  Gaussian.String(),
		PredictorMode: PredictorMean.String(),
		UseRegression: true,
		Regressor:     NewOLSRegressor(),
		ReuseSeed:     true,
		Workers:       1,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := NewMinimizer()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.ToleratedPercentageChange <= 0 {
		o.ToleratedPercentageChange = d.ToleratedPercentageChange
	}
	if o.TruncationStabilityLimit == nil {
		limit := d.TruncationStabilityLimit
		o.TruncationStabilityLimit = &limit
	}
	if o.FunctionTolerance <= 0 {
		o.FunctionTolerance = d.FunctionTolerance
	}
	if o.ConvergenceIterations <= 0 {
		o.ConvergenceIterations = d.ConvergenceIterations
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Calibrator runs estimation then application.
type Calibrator struct {
	opts      Options
	estimator *Estimator
	applier   *Applier
}

// New validates opts. An unsupported method, distribution or predictor mode
// is an ErrConfiguration naming the value.
func New(opts Options) (*Calibrator, error) {
	opts = opts.withDefaults()
	if err := ValidateMethod(opts.Method); err != nil {
		return nil, err
	}
	estimator, err := NewEstimator(opts)
	if err != nil {
		return nil, err
	}
	applier, err := NewApplier(estimator.PredictorMode(), opts.Units)
	if err != nil {
		return nil, err
	}
	return &Calibrator{opts: opts, estimator: estimator, applier: applier}, nil
}

func (c *Calibrator) Options() Options {
	return c.opts
}

func (c *Calibrator) Distribution() Distribution {
	return c.estimator.Distribution()
}

func (c *Calibrator) PredictorMode() PredictorMode {
	return c.estimator.PredictorMode()
}

// Result is a calibrated forecast. Predictor and Variance are [y, x] fields
// for a single validity time, or [time, y, x] when the current forecast has
// several.
type Result struct {
	Predictor    *field.Field
	Variance     *field.Field
	Coefficients []models.CoefficientRecord
	Estimation   *Estimation
	Diagnostics  []models.Diagnostic
}

// Process estimates coefficients for every validity time of current from
// historic and truth, then applies them to current.
func (c *Calibrator) Process(ctx context.Context, current, historic, truth *field.Field) (*Result, error) {
	est, err := c.estimator.Estimate(ctx, current, historic, truth)
	if err != nil {
		return nil, err
	}

	cur, err := current.ConvertUnits(est.Units)
	if err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}

	res := &Result{Estimation: est}
	res.Diagnostics = append(res.Diagnostics, c.estimator.Diagnostics()...)
	res.Diagnostics = append(res.Diagnostics, est.Diagnostics()...)

	var predictors, variances []*field.Field
	for _, date := range cur.ValidityTimes() {
		slice, err := cur.SelectTime(date)
		if err != nil {
			return nil, err
		}
		cal, err := c.applier.Apply(slice, est.Coefficients, est.Names)
		if err != nil {
			return nil, err
		}
		predictors = append(predictors, cal.Predictor)
		variances = append(variances, cal.Variance)
		res.Coefficients = append(res.Coefficients, cal.Coefficients...)
	}

	if res.Predictor, err = field.StackTimes(predictors...); err != nil {
		return nil, err
	}
	if res.Variance, err = field.StackTimes(variances...); err != nil {
		return nil, err
	}
	return res, nil
}
