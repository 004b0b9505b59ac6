package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crpsAtZero is the CRPS of a standard normal forecast verified at its mean:
// 2*phi(0) - 1/sqrt(pi).
const crpsAtZero = 0.2336949

func meanData(predictor, truth, variance []float32) *TrainingData {
	return &TrainingData{
		Mode:      PredictorMean,
		Predictor: [][]float32{predictor},
		Truth:     truth,
		Variance:  variance,
	}
}

func TestGaussianCRPS(t *testing.T) {
	data := meanData([]float32{0}, []float32{0}, []float32{1})
	loss := GaussianCRPS{}.Loss([]float64{0, 1, 0, 1}, data)
	assert.InDelta(t, crpsAtZero, loss, 1e-5)

	// Scaling sigma scales the score.
	data = meanData([]float32{0}, []float32{0}, []float32{4})
	loss = GaussianCRPS{}.Loss([]float64{0, 1, 0, 1}, data)
	assert.InDelta(t, 2*crpsAtZero, loss, 1e-5)
}

func TestGaussianCRPS_SkipsNaN(t *testing.T) {
	nan := float32(math.NaN())
	data := meanData([]float32{0, 5}, []float32{0, nan}, []float32{1, 1})
	loss := GaussianCRPS{}.Loss([]float64{0, 1, 0, 1}, data)
	assert.InDelta(t, crpsAtZero, loss, 1e-5)
}

func TestGaussianCRPS_PenalisesWorseForecasts(t *testing.T) {
	data := meanData([]float32{1, 2, 3}, []float32{3, 5, 7}, []float32{1, 1, 1})
	perfect := GaussianCRPS{}.Loss([]float64{0.1, 0, 1, 2}, data)
	biased := GaussianCRPS{}.Loss([]float64{0.1, 0, 0, 2}, data)
	assert.Less(t, perfect, biased)
}

func TestCRPS_BadValue(t *testing.T) {
	data := meanData([]float32{0}, []float32{1}, []float32{0})

	// sigma is zero and mu is zero, so mu/sigma is NaN.
	assert.Equal(t, float64(BadValue), GaussianCRPS{}.Loss([]float64{0, 0, 0, 1}, data))
	assert.Equal(t, float64(BadValue), TruncatedGaussianCRPS{StabilityLimit: TruncationStabilityLimit}.Loss([]float64{0, 0, 0, 1}, data))

	// mu/sigma is -4, below the stability limit.
	data = meanData([]float32{0}, []float32{1}, []float32{1})
	truncated := TruncatedGaussianCRPS{StabilityLimit: TruncationStabilityLimit}
	assert.Equal(t, float64(BadValue), truncated.Loss([]float64{0, 1, -4, 1}, data))

	// A lower limit accepts the same point. Deep in the tail the float32
	// loss is imprecise, so only its validity is checked.
	relaxed := TruncatedGaussianCRPS{StabilityLimit: -5}
	loss := relaxed.Loss([]float64{0, 1, -4, 1}, data)
	assert.NotEqual(t, float64(BadValue), loss)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)
}

func TestTruncatedGaussianCRPS_MatchesGaussianFarFromZero(t *testing.T) {
	data := meanData([]float32{10}, []float32{10}, []float32{1})
	params := []float64{0, 1, 0, 1}
	gaussian := GaussianCRPS{}.Loss(params, data)
	truncated := TruncatedGaussianCRPS{StabilityLimit: TruncationStabilityLimit}.Loss(params, data)
	assert.InDelta(t, gaussian, truncated, 1e-4)
	assert.InDelta(t, crpsAtZero, truncated, 1e-4)
}

func TestTruncatedGaussianCRPS_NearZero(t *testing.T) {
	// Truncation removes mass below zero, so a forecast centred near zero
	// verified at a positive truth scores better than the untruncated one.
	data := meanData([]float32{0.5}, []float32{1}, []float32{1})
	params := []float64{0, 1, 0, 1}
	gaussian := GaussianCRPS{}.Loss(params, data)
	truncated := TruncatedGaussianCRPS{StabilityLimit: TruncationStabilityLimit}.Loss(params, data)
	assert.InDelta(t, 0.3314, gaussian, 1e-4)
	assert.InDelta(t, 0.1750, truncated, 1e-4)
}

func TestCRPS_RealizationsSquareBeta(t *testing.T) {
	data := &TrainingData{
		Mode:      PredictorRealizations,
		Predictor: [][]float32{{1, 2}, {3, 4}},
		Truth:     []float32{2, 3},
		Variance:  []float32{1, 1},
	}
	positive := GaussianCRPS{}.Loss([]float64{0, 1, 0, 0.5, 0.5}, data)
	negative := GaussianCRPS{}.Loss([]float64{0, 1, 0, -0.5, -0.5}, data)
	assert.Equal(t, positive, negative)
	// beta^2 = 0.25 so mu is 1 and 1.5, below truths of 2 and 3.
	assert.Greater(t, positive, 2*crpsAtZero)
}

func TestCRPS_Float32(t *testing.T) {
	data := meanData([]float32{1.1, 2.2, 3.3}, []float32{1.3, 2.1, 3.7}, []float32{0.3, 0.2, 0.4})
	loss := GaussianCRPS{}.Loss([]float64{0.3, 0.7, 0.1, 0.9}, data)
	assert.Equal(t, float64(float32(loss)), loss)
}

func TestTrainingDataValidate(t *testing.T) {
	tests := []struct {
		name string
		data TrainingData
	}{
		{"no rows", TrainingData{Mode: PredictorMean, Truth: []float32{1}, Variance: []float32{1}}},
		{"mean with two rows", TrainingData{Mode: PredictorMean, Predictor: [][]float32{{1}, {2}}, Truth: []float32{1}, Variance: []float32{1}}},
		{"variance length", TrainingData{Mode: PredictorMean, Predictor: [][]float32{{1}}, Truth: []float32{1}, Variance: []float32{1, 2}}},
		{"row length", TrainingData{Mode: PredictorRealizations, Predictor: [][]float32{{1}, {2, 3}}, Truth: []float32{1}, Variance: []float32{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.data.validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}
