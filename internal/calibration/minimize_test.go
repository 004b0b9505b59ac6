package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/emoscal/internal/models"
)

// linearData is truth = 2*predictor + 1 with a small deterministic wobble.
func linearData(n int) *TrainingData {
	data := &TrainingData{Mode: PredictorMean, Predictor: make([][]float32, 1)}
	for i := 0; i < n; i++ {
		x := float32(i) / 4
		data.Predictor[0] = append(data.Predictor[0], x)
		data.Truth = append(data.Truth, 2*x+1+float32(0.2*math.Sin(float64(i))))
		data.Variance = append(data.Variance, 0.04)
	}
	return data
}

func diagnosticKinds(diags []models.Diagnostic) []models.DiagnosticKind {
	var kinds []models.DiagnosticKind
	for _, d := range diags {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func TestMinimize(t *testing.T) {
	data := linearData(40)
	guess := []float64{1, 1, 0.75, 2.25}

	m := NewMinimizer()
	res, err := m.Minimize(Gaussian, guess, data)
	require.NoError(t, err)

	require.Len(t, res.Coefficients, 4)
	assert.InDelta(t, 1, res.Coefficients[2], 0.2)
	assert.InDelta(t, 2, res.Coefficients[3], 0.1)
	assert.LessOrEqual(t, res.Loss, GaussianCRPS{}.Loss(guess, data))
	assert.LessOrEqual(t, res.Iterations, DefaultMaxIterations)

	require.NotEmpty(t, res.Iterates)
	assert.Equal(t, guess, res.Iterates[0])
	assert.Equal(t, res.Coefficients, res.Iterates[len(res.Iterates)-1])
	assert.Len(t, res.PercentageChange, 4)
}

func TestMinimize_IterationCap(t *testing.T) {
	data := linearData(40)
	m := NewMinimizer()
	m.MaxIterations = 1

	res, err := m.Minimize(TruncatedGaussian, []float64{1, 1, 0, 1}, data)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, "IterationLimit", res.Status)
	assert.Contains(t, diagnosticKinds(res.Diagnostics), models.DiagnosticNotConverged)
	assert.Len(t, res.Coefficients, 4)
}

func TestMinimize_UnsettledOptimum(t *testing.T) {
	data := linearData(40)
	m := NewMinimizer()
	m.MaxIterations = 1
	m.ToleratedPercentageChange = 1e-9

	res, err := m.Minimize(Gaussian, []float64{1, 1, 0, 1}, data)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Iterates), 2)
	assert.Contains(t, diagnosticKinds(res.Diagnostics), models.DiagnosticUnsettled)

	var unsettled models.Diagnostic
	for _, d := range res.Diagnostics {
		if d.Kind == models.DiagnosticUnsettled {
			unsettled = d
		}
	}
	assert.Contains(t, unsettled.Message, "percentage change greater than the accepted threshold")
	assert.Contains(t, unsettled.Message, "absolute difference")
}

func TestMinimize_Errors(t *testing.T) {
	data := linearData(4)
	m := NewMinimizer()

	_, err := m.Minimize(Distribution(9), []float64{1, 1, 0, 1}, data)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = m.Minimize(Gaussian, []float64{1, 1, 0}, data)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = m.Minimize(Gaussian, []float64{1, 1, math.NaN(), 1}, data)
	assert.Error(t, err)
}

func TestInitialSimplex(t *testing.T) {
	calls := 0
	f := func(x []float64) float64 {
		calls++
		return x[0] + x[1]
	}
	vertices, values := initialSimplex([]float64{2, 0}, f)

	assert.Equal(t, [][]float64{{2, 0}, {2.1, 0}, {2, 0.00025}}, vertices)
	assert.InDeltaSlice(t, []float64{2, 2.1, 2.00025}, values, 1e-12)
	assert.Equal(t, 3, calls)
}

func TestPercentageChange(t *testing.T) {
	got := percentageChange([]float64{1.1, 2, -3}, []float64{1, 2, -2})
	assert.InDeltaSlice(t, []float64{10, 0, 50}, got, 1e-9)

	got = percentageChange([]float64{1, 0}, []float64{0, 0})
	assert.True(t, math.IsInf(got[0], 1))
	assert.True(t, math.IsNaN(got[1]))
}
