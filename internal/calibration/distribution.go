package calibration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is returned for an unsupported calibration method,
	// distribution or predictor mode.
	ErrConfiguration = errors.New("configuration error")
	// ErrShapeMismatch is returned when a coefficient vector does not match the
	// coefficient names or the training data it is used with.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// normalizeName lowercases s and treats underscores as spaces, so
// "Truncated_Gaussian" and "truncated gaussian" name the same thing.
func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(s, "_", " "))), " ")
}

var supportedMethods = []string{
	"ensemble model output statistics",
	"nonhomogeneous gaussian regression",
}

// ValidateMethod checks name is one of the EMOS/NGR aliases.
func ValidateMethod(name string) error {
	n := normalizeName(name)
	for _, m := range supportedMethods {
		if n == m {
			return nil
		}
	}
	return fmt.Errorf("%w: calibration method %q is not available, supported methods are %q", ErrConfiguration, name, supportedMethods)
}

type Distribution int

const (
	Gaussian Distribution = iota + 1
	TruncatedGaussian
)

func ParseDistribution(name string) (Distribution, error) {
	switch normalizeName(name) {
	case "gaussian":
		return Gaussian, nil
	case "truncated gaussian":
		return TruncatedGaussian, nil
	}
	return 0, fmt.Errorf("%w: distribution %q is not supported", ErrConfiguration, name)
}

func (d Distribution) String() string {
	switch d {
	case Gaussian:
		return "gaussian"
	case TruncatedGaussian:
		return "truncated_gaussian"
	default:
		return fmt.Sprintf("Distribution(%d)", int(d))
	}
}

// PredictorMode selects what the calibrated mean is regressed on.
type PredictorMode int

const (
	// PredictorMean uses the ensemble mean.
	PredictorMean PredictorMode = iota + 1
	// PredictorRealizations uses every ensemble member with its own weight.
	PredictorRealizations
)

func ParsePredictorMode(name string) (PredictorMode, error) {
	switch normalizeName(name) {
	case "mean":
		return PredictorMean, nil
	case "realizations":
		return PredictorRealizations, nil
	}
	return 0, fmt.Errorf("%w: predictor mode %q is not supported", ErrConfiguration, name)
}

func (m PredictorMode) String() string {
	switch m {
	case PredictorMean:
		return "mean"
	case PredictorRealizations:
		return "realizations"
	default:
		return fmt.Sprintf("PredictorMode(%d)", int(m))
	}
}

func (m PredictorMode) validate() error {
	if m != PredictorMean && m != PredictorRealizations {
		return fmt.Errorf("%w: predictor mode %q is not supported", ErrConfiguration, m.String())
	}
	return nil
}

// CoefficientCount is the length of a coefficient vector for the mode with
// nRealizations ensemble members.
func (m PredictorMode) CoefficientCount(nRealizations int) int {
	if m == PredictorRealizations {
		return 3 + nRealizations
	}
	return 4
}
