package calibration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/models"
)

// ErrNoTrainingData is returned when no historic forecast time has a matching
// truth.
var ErrNoTrainingData = errors.New("no training data")

// BaseCoefficientNames are the coefficient names in vector order before the
// trailing beta is expanded per realization.
var BaseCoefficientNames = []string{"gamma", "delta", "alpha", "beta"}

// CoefficientNames returns the names of a coefficient vector. In realizations
// mode the trailing "beta" becomes one "beta<n>" per realization number.
func CoefficientNames(mode PredictorMode, realizations []int) []string {
	return expandNames(BaseCoefficientNames, mode, realizations)
}

func expandNames(names []string, mode PredictorMode, realizations []int) []string {
	if mode != PredictorRealizations || len(names) == 0 || names[len(names)-1] != "beta" {
		return append([]string(nil), names...)
	}
	out := append([]string(nil), names[:len(names)-1]...)
	for _, r := range realizations {
		out = append(out, "beta"+strconv.Itoa(r))
	}
	return out
}

// CoefficientSet maps a validity time to its coefficient vector. Keys are
// normalised to UTC.
type CoefficientSet map[time.Time][]float64

func (s CoefficientSet) Get(date time.Time) ([]float64, bool) {
	v, ok := s[date.UTC()]
	return v, ok
}

func (s CoefficientSet) Set(date time.Time, coefficients []float64) {
	s[date.UTC()] = coefficients
}

// Dates returns the validity times in ascending order.
func (s CoefficientSet) Dates() []time.Time {
	dates := make([]time.Time, 0, len(s))
	for d := range s {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// DateEstimate is the outcome for one validity time.
type DateEstimate struct {
	Date         time.Time
	InitialGuess []float64
	Coefficients []float64
	Minimization *MinimizeResult
	Diagnostics  []models.Diagnostic
}

// Estimation holds the coefficients for every validity time of the current
// forecast.
type Estimation struct {
	Coefficients CoefficientSet
	Names        []string
	Dates        []DateEstimate
	// Units the coefficients were estimated in.
	Units string
}

// Diagnostics returns the diagnostics of every date in date order.
func (e *Estimation) Diagnostics() []models.Diagnostic {
	var out []models.Diagnostic
	for _, d := range e.Dates {
		out = append(out, d.Diagnostics...)
	}
	return out
}

// Estimator fits EMOS coefficients from historic forecasts and truths.
type Estimator struct {
	distribution Distribution
	mode         PredictorMode
	units        string
	guesser      *InitialGuesser
	minimizer    *Minimizer
	reuseSeed    bool
	workers      int
	diagnostics  []models.Diagnostic
}

func NewEstimator(opts Options) (*Estimator, error) {
	opts = opts.withDefaults()
	dist, err := ParseDistribution(opts.Distribution)
	if err != nil {
		return nil, err
	}
	mode, err := ParsePredictorMode(opts.PredictorMode)
	if err != nil {
		return nil, err
	}

	e := &Estimator{
		distribution: dist,
		mode:         mode,
		units:        opts.Units,
		guesser: &InitialGuesser{
			UseRegression: opts.UseRegression,
			Regressor:     opts.Regressor,
		},
		minimizer: &Minimizer{
			MaxIterations:             opts.MaxIterations,
			ToleratedPercentageChange: opts.ToleratedPercentageChange,
			TruncationStabilityLimit:  *opts.TruncationStabilityLimit,
			FunctionTolerance:         opts.FunctionTolerance,
			ConvergenceIterations:     opts.ConvergenceIterations,
		},
		reuseSeed: opts.ReuseSeed && opts.Workers <= 1,
		workers:   opts.Workers,
	}
	if e.guesser.regressionUnavailable(mode) {
		e.diagnostics = append(e.diagnostics, models.Diagnostic{
			Kind: models.DiagnosticDefaultGuess,
			Message: "no regression backend is available to estimate the initial guess from the " +
				"realizations, so the default initial guess will be used",
		})
	}
	return e, nil
}

func (e *Estimator) Distribution() Distribution {
	return e.distribution
}

func (e *Estimator) PredictorMode() PredictorMode {
	return e.mode
}

// Diagnostics returns findings made when the estimator was constructed.
func (e *Estimator) Diagnostics() []models.Diagnostic {
	return e.diagnostics
}

// Estimate fits one coefficient vector per distinct validity time of current.
// The training data pools every historic time that has a matching truth.
// ctx is checked between dates; a single minimisation is bounded by its
// iteration cap.
func (e *Estimator) Estimate(ctx context.Context, current, historic, truth *field.Field) (*Estimation, error) {
	cur := current.Clone()
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}
	dates := cur.ValidityTimes()

	units, err := workingUnits(e.units, historic, truth, cur)
	if err != nil {
		return nil, err
	}
	data, realizations, err := buildTrainingData(historic, truth, e.mode, units)
	if err != nil {
		return nil, err
	}

	est := &Estimation{
		Coefficients: make(CoefficientSet, len(dates)),
		Names:        CoefficientNames(e.mode, realizations),
		Dates:        make([]DateEstimate, len(dates)),
		Units:        units,
	}

	if e.workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i, date := range dates {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := e.estimateDate(date, data, nil)
				if err != nil {
					return err
				}
				est.Dates[i] = *r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		var seed []float64
		for i, date := range dates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r, err := e.estimateDate(date, data, seed)
			if err != nil {
				return nil, err
			}
			est.Dates[i] = *r
			seed = e.nextSeed(seed, r.Coefficients)
		}
	}

	for _, d := range est.Dates {
		est.Coefficients.Set(d.Date, d.Coefficients)
	}
	return est, nil
}

// nextSeed returns the starting point for the date after one whose optimum
// is coefficients. An optimum containing NaN keeps the current seed.
func (e *Estimator) nextSeed(seed, coefficients []float64) []float64 {
	if !e.reuseSeed || hasNaN(coefficients) {
		return seed
	}
	return coefficients
}

func (e *Estimator) estimateDate(date time.Time, data *TrainingData, seed []float64) (*DateEstimate, error) {
	res := &DateEstimate{Date: date}

	guess := seed
	if guess == nil {
		var err error
		guess, err = e.guesser.Guess(data)
		if err != nil {
			return nil, fmt.Errorf("initial guess for %s: %w", date.Format(time.RFC3339), err)
		}
		if hasNaN(guess) {
			res.Diagnostics = append(res.Diagnostics, models.Diagnostic{
				Kind: models.DiagnosticInvalidRegression,
				Date: date,
				Message: fmt.Sprintf("initial guess %v from regression contains NaN, no point has both a forecast and a truth; "+
					"using the default initial guess", guess),
			})
			guess = DefaultGuess(e.mode, len(data.Predictor))
		}
	}
	res.InitialGuess = append([]float64(nil), guess...)

	m, err := e.minimizer.Minimize(e.distribution, guess, data)
	if err != nil {
		return nil, fmt.Errorf("estimate coefficients for %s: %w", date.Format(time.RFC3339), err)
	}
	res.Minimization = m
	res.Coefficients = m.Coefficients
	for _, d := range m.Diagnostics {
		d.Date = date
		res.Diagnostics = append(res.Diagnostics, d)
	}
	return res, nil
}

// workingUnits returns the units all inputs are calibrated in: configured,
// or the units of the historic forecast when configured is empty. Every
// input must be convertible to them.
func workingUnits(configured string, historic, truth, current *field.Field) (string, error) {
	units := configured
	if units == "" {
		units = historic.Units
	}
	inputs := []struct {
		name string
		f    *field.Field
	}{
		{"historic forecast", historic},
		{"truth", truth},
		{"current forecast", current},
	}
	for _, in := range inputs {
		if in.f.Units == units {
			continue
		}
		if units == "" || in.f.Units == "" {
			return "", fmt.Errorf("%s in %q, calibrating in %q: %w", in.name, in.f.Units, units, field.ErrNoUnits)
		}
		if !field.UnitsCompatible(in.f.Units, units) {
			return "", fmt.Errorf("%s in %q cannot be calibrated in %q: %w", in.name, in.f.Units, units, field.ErrIncompatibleUnits)
		}
	}
	return units, nil
}

// buildTrainingData converts historic and truth to units, derives the
// predictor and variance from the historic ensemble and flattens every
// historic time that has a matching truth into one training set. It also
// returns the realization numbers of the historic ensemble.
func buildTrainingData(historic, truth *field.Field, mode PredictorMode, units string) (*TrainingData, []int, error) {
	hist, err := historic.ConvertUnits(units)
	if err != nil {
		return nil, nil, fmt.Errorf("historic forecast: %w", err)
	}
	if err := hist.Validate(); err != nil {
		return nil, nil, fmt.Errorf("historic forecast: %w", err)
	}
	tru, err := truth.ConvertUnits(units)
	if err != nil {
		return nil, nil, fmt.Errorf("truth: %w", err)
	}
	if err := tru.Validate(); err != nil {
		return nil, nil, fmt.Errorf("truth: %w", err)
	}
	if tru.Len(field.AxisRealization) != 1 {
		return nil, nil, fmt.Errorf("%w: truth has %d realizations", ErrShapeMismatch, tru.Len(field.AxisRealization))
	}
	if hist.GridSize() != tru.GridSize() {
		return nil, nil, fmt.Errorf("%w: historic forecast grid has %d points, truth grid has %d",
			ErrShapeMismatch, hist.GridSize(), tru.GridSize())
	}

	canonical, err := hist.Canonical()
	if err != nil {
		return nil, nil, fmt.Errorf("historic forecast: %w", err)
	}
	mean, err := canonical.CollapseRealizations(field.Mean)
	if err != nil {
		return nil, nil, fmt.Errorf("historic forecast: %w", err)
	}
	variance, err := canonical.CollapseRealizations(field.Variance)
	if err != nil {
		return nil, nil, fmt.Errorf("historic forecast: %w", err)
	}

	nr := canonical.Len(field.AxisRealization)
	rows := 1
	if mode == PredictorRealizations {
		rows = nr
	}
	data := &TrainingData{Mode: mode, Predictor: make([][]float32, rows)}

	for ti, t := range canonical.Times {
		tj := tru.TimeIndex(t)
		if tj < 0 {
			continue
		}
		truthPlane, err := tru.Plane(0, tj)
		if err != nil {
			return nil, nil, err
		}
		varPlane, err := variance.Plane(0, ti)
		if err != nil {
			return nil, nil, err
		}
		data.Truth = append(data.Truth, truthPlane...)
		data.Variance = append(data.Variance, varPlane...)

		if mode == PredictorMean {
			plane, err := mean.Plane(0, ti)
			if err != nil {
				return nil, nil, err
			}
			data.Predictor[0] = append(data.Predictor[0], plane...)
			continue
		}
		for r := 0; r < nr; r++ {
			plane, err := canonical.Plane(r, ti)
			if err != nil {
				return nil, nil, err
			}
			data.Predictor[r] = append(data.Predictor[r], plane...)
		}
	}
	if data.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: none of the %d historic forecast times has a matching truth",
			ErrNoTrainingData, len(canonical.Times))
	}
	return data, canonical.Realizations, nil
}
