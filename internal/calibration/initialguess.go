package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Regressor fits truth as a linear function of one or more predictor rows and
// returns the intercept and one slope per row. Points where any row or the
// truth is NaN are excluded; with no usable points the result is NaN.
type Regressor interface {
	Regress(predictor [][]float32, truth []float32) (intercept float64, slopes []float64, err error)
}

// OLSRegressor is ordinary least squares on gonum. A single predictor row
// uses stat.LinearRegression; several rows are solved as the minimum-norm
// least squares solution through an SVD.
type OLSRegressor struct {
	// Rcond is the relative singular value cut-off used to decide the rank of
	// the design matrix.
	Rcond float64
}

func NewOLSRegressor() *OLSRegressor {
	return &OLSRegressor{Rcond: 1e-12}
}

func (r *OLSRegressor) Regress(predictor [][]float32, truth []float32) (float64, []float64, error) {
	if len(predictor) == 0 {
		return 0, nil, fmt.Errorf("%w: no predictor rows to regress", ErrShapeMismatch)
	}
	for i, row := range predictor {
		if len(row) != len(truth) {
			return 0, nil, fmt.Errorf("%w: predictor row %d has %d values, truth has %d", ErrShapeMismatch, i, len(row), len(truth))
		}
	}

	valid := jointlyValid(predictor, truth)
	nanSlopes := func() []float64 {
		s := make([]float64, len(predictor))
		for i := range s {
			s[i] = math.NaN()
		}
		return s
	}
	if len(valid) == 0 {
		return math.NaN(), nanSlopes(), nil
	}

	y := make([]float64, len(valid))
	for k, i := range valid {
		y[k] = float64(truth[i])
	}

	if len(predictor) == 1 {
		x := make([]float64, len(valid))
		for k, i := range valid {
			x[k] = float64(predictor[0][i])
		}
		alpha, beta := stat.LinearRegression(x, y, nil, false)
		return alpha, []float64{beta}, nil
	}

	// Design matrix with a leading column of ones for the intercept.
	cols := len(predictor) + 1
	design := mat.NewDense(len(valid), cols, nil)
	for k, i := range valid {
		design.Set(k, 0, 1)
		for r, row := range predictor {
			design.Set(k, r+1, float64(row[i]))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(design, mat.SVDThin); !ok {
		return math.NaN(), nanSlopes(), nil
	}
	rank := svd.Rank(r.Rcond)
	if rank == 0 {
		return 0, make([]float64, len(predictor)), nil
	}
	var params mat.Dense
	svd.SolveTo(&params, mat.NewDense(len(y), 1, y), rank)

	slopes := make([]float64, len(predictor))
	for i := range slopes {
		slopes[i] = params.At(i+1, 0)
	}
	return params.At(0, 0), slopes, nil
}

// jointlyValid returns the indices at which the truth and every predictor row
// are not NaN.
func jointlyValid(predictor [][]float32, truth []float32) []int {
	var idx []int
	for i, t := range truth {
		if math.IsNaN(float64(t)) {
			continue
		}
		ok := true
		for _, row := range predictor {
			if math.IsNaN(float64(row[i])) {
				ok = false
				break
			}
		}
		if ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// InitialGuesser produces the starting coefficient vector for the minimiser.
type InitialGuesser struct {
	// UseRegression estimates alpha and beta by regressing truth on the
	// predictor. When false the fixed default guess is used.
	UseRegression bool
	// Regressor is nil when no regression backend is available. Realizations
	// mode then falls back to the default guess; mean mode always has the
	// closed form through OLSRegressor.
	Regressor Regressor
}

// DefaultGuess is [1, 1, 0, 1] in mean mode and [1, 1, 0, 1, ..., 1] with one
// beta per realization in realizations mode.
func DefaultGuess(mode PredictorMode, nRealizations int) []float64 {
	n := mode.CoefficientCount(nRealizations)
	guess := make([]float64, n)
	for i := range guess {
		guess[i] = 1
	}
	guess[2] = 0
	return guess
}

// Guess returns [gamma, delta, alpha, beta...] for data. In mean mode with
// regression the result is [1, 1, intercept, slope]; NaN components mean no
// point had both a forecast and a truth.
func (g *InitialGuesser) Guess(data *TrainingData) ([]float64, error) {
	if err := data.validate(); err != nil {
		return nil, err
	}
	nRows := len(data.Predictor)
	if !g.UseRegression {
		return DefaultGuess(data.Mode, nRows), nil
	}

	regressor := g.Regressor
	if regressor == nil {
		if data.Mode == PredictorRealizations {
			return DefaultGuess(data.Mode, nRows), nil
		}
		regressor = NewOLSRegressor()
	}

	intercept, slopes, err := regressor.Regress(data.Predictor, data.Truth)
	if err != nil {
		return nil, fmt.Errorf("regress truth on %s predictor: %w", data.Mode, err)
	}
	if len(slopes) != nRows {
		return nil, fmt.Errorf("%w: regression returned %d slopes for %d predictor rows", ErrShapeMismatch, len(slopes), nRows)
	}
	return append([]float64{1, 1, intercept}, slopes...), nil
}

// regressionUnavailable reports whether realizations mode regression was asked
// for without a backend to perform it.
func (g *InitialGuesser) regressionUnavailable(mode PredictorMode) bool {
	return g.UseRegression && g.Regressor == nil && mode == PredictorRealizations
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}
