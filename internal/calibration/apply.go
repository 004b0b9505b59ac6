package calibration

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/models"
)

// Calibrated is the calibrated forecast for one validity time. Predictor and
// Variance are [y, x] fields on the grid of the current forecast.
type Calibrated struct {
	Predictor    *field.Field
	Variance     *field.Field
	Coefficients []models.CoefficientRecord
}

// Applier applies coefficient vectors to a current forecast.
type Applier struct {
	mode  PredictorMode
	units string
}

func NewApplier(mode PredictorMode, units string) (*Applier, error) {
	if err := mode.validate(); err != nil {
		return nil, err
	}
	return &Applier{mode: mode, units: units}, nil
}

// Apply calibrates current, which must hold a single validity time, with the
// vector stored for that time. names may be the base names or already
// expanded per realization.
func (a *Applier) Apply(current *field.Field, set CoefficientSet, names []string) (*Calibrated, error) {
	cur, err := current.ConvertUnits(a.units)
	if err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}
	dates := cur.ValidityTimes()
	if len(dates) != 1 {
		return nil, fmt.Errorf("%w: current forecast has %d validity times, apply needs one", ErrShapeMismatch, len(dates))
	}
	date := dates[0]
	if cur.HasAxis(field.AxisTime) {
		if cur, err = cur.SelectTime(date); err != nil {
			return nil, err
		}
	}

	vec, ok := set.Get(date)
	if !ok {
		return nil, fmt.Errorf("no coefficients for validity time %s", date.Format(time.RFC3339))
	}
	names = expandNames(names, a.mode, cur.Realizations)
	if len(vec) != len(names) {
		return nil, fmt.Errorf("%w: %d coefficients %v but %d coefficient names %v",
			ErrShapeMismatch, len(vec), vec, len(names), names)
	}
	nr := cur.Len(field.AxisRealization)
	if want := a.mode.CoefficientCount(nr); len(vec) != want {
		return nil, fmt.Errorf("%w: %d coefficients for a %s predictor with %d realizations, want %d",
			ErrShapeMismatch, len(vec), a.mode, nr, want)
	}

	mean, err := cur.CollapseRealizations(field.Mean)
	if err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}
	variance, err := cur.CollapseRealizations(field.Variance)
	if err != nil {
		return nil, fmt.Errorf("current forecast: %w", err)
	}

	gamma, delta, alpha, beta := coefficients(vec, a.mode)

	var rows [][]float32
	if a.mode == PredictorMean {
		plane, err := mean.Plane(0, 0)
		if err != nil {
			return nil, err
		}
		rows = [][]float32{plane}
	} else {
		for r := 0; r < nr; r++ {
			plane, err := cur.Plane(r, 0)
			if err != nil {
				return nil, err
			}
			rows = append(rows, plane)
		}
	}

	predictor, err := mean.Reorder(field.AxisY, field.AxisX)
	if err != nil {
		return nil, err
	}
	for i := range predictor.Data {
		mu := alpha
		for r, row := range rows {
			mu += beta[r] * row[i]
		}
		predictor.Data[i] = mu
	}

	calVar, err := variance.Reorder(field.AxisY, field.AxisX)
	if err != nil {
		return nil, err
	}
	for i, v := range calVar.Data {
		calVar.Data[i] = gamma*gamma + delta*delta*v
	}

	return &Calibrated{
		Predictor:    predictor,
		Variance:     calVar,
		Coefficients: coefficientRecords(cur, date, vec, names),
	}, nil
}

func coefficientRecords(cur *field.Field, date time.Time, vec []float64, names []string) []models.CoefficientRecord {
	var attrs map[string]string
	for k, v := range cur.Attributes {
		if strings.HasSuffix(k, "model_configuration") {
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[k] = v
		}
	}
	records := make([]models.CoefficientRecord, len(vec))
	for i, v := range vec {
		records[i] = models.CoefficientRecord{
			Index:                 i,
			Name:                  names[i],
			Value:                 v,
			Diagnostic:            cur.Name,
			ValidityTime:          date,
			ForecastReferenceTime: cur.ForecastReferenceTime,
			ForecastPeriod:        cur.ForecastPeriod,
			Attributes:            attrs,
		}
	}
	return records
}
