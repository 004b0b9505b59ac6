package calibration

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/optimize"

	"github.com/lox/emoscal/internal/models"
)

const (
	// DefaultMaxIterations caps Nelder-Mead to bound the cost per date.
	DefaultMaxIterations = 200
	// DefaultToleratedPercentageChange is the largest change, in percent, any
	// coefficient may make in the final iteration before the optimum is
	// reported as unsettled.
	DefaultToleratedPercentageChange = 5
)

// Minimizer fits coefficient vectors by minimising a CRPS objective with the
// Nelder-Mead simplex method. The objective is not reliably differentiable
// at the truncation boundary, so no gradient based method is used.
type Minimizer struct {
	MaxIterations             int
	ToleratedPercentageChange float64
	TruncationStabilityLimit  float64
	// FunctionTolerance and ConvergenceIterations declare convergence once the
	// best loss has improved by less than FunctionTolerance for
	// ConvergenceIterations consecutive iterations.
	FunctionTolerance     float64
	ConvergenceIterations int
}

func NewMinimizer() *Minimizer {
	return &Minimizer{
		MaxIterations:             DefaultMaxIterations,
		ToleratedPercentageChange: DefaultToleratedPercentageChange,
		TruncationStabilityLimit:  TruncationStabilityLimit,
		FunctionTolerance:         1e-4,
		ConvergenceIterations:     20,
	}
}

// MinimizeResult is the outcome of one minimisation.
type MinimizeResult struct {
	Coefficients []float64
	Loss         float64
	Iterations   int
	Status       string
	Converged    bool
	// Iterates holds the starting point followed by the best point after each
	// iteration.
	Iterates [][]float64
	// PercentageChange is the change of each coefficient between the last two
	// iterates; nil with fewer than two iterates.
	PercentageChange []float64
	Diagnostics      []models.Diagnostic
}

// iterateRecorder keeps the best location after every major iteration.
type iterateRecorder struct {
	iterates [][]float64
}

func (r *iterateRecorder) Init() error {
	return nil
}

func (r *iterateRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op == optimize.MajorIteration {
		r.iterates = append(r.iterates, append([]float64(nil), loc.X...))
	}
	return nil
}

// Minimize runs Nelder-Mead from initialGuess over data with the objective
// for dist. Failing to converge is reported through diagnostics; the best
// point found is always returned.
func (m *Minimizer) Minimize(dist Distribution, initialGuess []float64, data *TrainingData) (*MinimizeResult, error) {
	objective, err := dist.objective(float32(m.TruncationStabilityLimit))
	if err != nil {
		return nil, err
	}
	if err := data.validate(); err != nil {
		return nil, err
	}
	if want := data.CoefficientCount(); len(initialGuess) != want {
		return nil, fmt.Errorf("%w: initial guess has %d coefficients, %s predictor with %d rows needs %d",
			ErrShapeMismatch, len(initialGuess), data.Mode, len(data.Predictor), want)
	}

	// The guess is held in float32 like the data it is evaluated against.
	x0 := make([]float64, len(initialGuess))
	for i, v := range initialGuess {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("initial guess %v is not finite", initialGuess)
		}
		x0[i] = float64(float32(v))
	}

	loss := func(x []float64) float64 {
		return objective.Loss(x, data)
	}
	vertices, values := initialSimplex(x0, loss)

	recorder := &iterateRecorder{iterates: [][]float64{append([]float64(nil), x0...)}}
	settings := &optimize.Settings{
		MajorIterations: m.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   m.FunctionTolerance,
			Iterations: m.ConvergenceIterations,
		},
		Recorder: recorder,
	}
	method := &optimize.NelderMead{
		InitialVertices: vertices,
		InitialValues:   values,
	}

	res, err := optimize.Minimize(optimize.Problem{Func: loss}, x0, settings, method)
	if res == nil {
		return nil, fmt.Errorf("minimise %s crps: %w", dist, err)
	}

	// The terminating iteration is not passed to the recorder.
	if last := recorder.iterates[len(recorder.iterates)-1]; !slices.Equal(last, res.X) {
		recorder.iterates = append(recorder.iterates, append([]float64(nil), res.X...))
	}

	result := &MinimizeResult{
		Coefficients: append([]float64(nil), res.X...),
		Loss:         res.F,
		Iterations:   res.Stats.MajorIterations,
		Status:       res.Status.String(),
		Converged:    err == nil && converged(res.Status),
		Iterates:     recorder.iterates,
	}

	if !result.Converged {
		msg := fmt.Sprintf("minimisation did not result in convergence after %d iterations: %s", m.MaxIterations, result.Status)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.Diagnostics = append(result.Diagnostics, models.Diagnostic{
			Kind:    models.DiagnosticNotConverged,
			Message: msg,
		})
	}

	if n := len(result.Iterates); n >= 2 {
		last, prev := result.Iterates[n-1], result.Iterates[n-2]
		result.PercentageChange = percentageChange(last, prev)
		for _, pc := range result.PercentageChange {
			if pc > m.ToleratedPercentageChange {
				result.Diagnostics = append(result.Diagnostics, models.Diagnostic{
					Kind: models.DiagnosticUnsettled,
					Message: fmt.Sprintf("the final iteration resulted in a percentage change greater than the accepted threshold of %g%%: %v; "+
						"a satisfactory minimisation has not been achieved; last iteration %v, last-but-one iteration %v, absolute difference %v",
						m.ToleratedPercentageChange, result.PercentageChange, last, prev, absDiff(last, prev)),
				})
				break
			}
		}
	}

	return result, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// initialSimplex perturbs each coordinate of x0 by 5%, or by 0.00025 where it
// is zero, giving a starting simplex that scales with the coefficients.
func initialSimplex(x0 []float64, f func([]float64) float64) ([][]float64, []float64) {
	const (
		nonZeroDelta = 0.05
		zeroDelta    = 0.00025
	)
	vertices := [][]float64{append([]float64(nil), x0...)}
	for k := range x0 {
		v := append([]float64(nil), x0...)
		if v[k] != 0 {
			v[k] *= 1 + nonZeroDelta
		} else {
			v[k] = zeroDelta
		}
		vertices = append(vertices, v)
	}
	values := make([]float64, len(vertices))
	for i, v := range vertices {
		values[i] = f(v)
	}
	return vertices, values
}

// percentageChange returns |(last-prev)/prev|*100 per coordinate. A zero in
// prev yields +Inf or NaN, which the caller's comparison treats accordingly.
func percentageChange(last, prev []float64) []float64 {
	out := make([]float64, len(last))
	for i := range last {
		out[i] = math.Abs((last[i]-prev[i])/prev[i]) * 100
	}
	return out
}

func absDiff(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = math.Abs(a[i] - b[i])
	}
	return out
}
