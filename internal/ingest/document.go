package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/lox/emoscal/internal/field"
)

// Document is the JSON form of a field. Data is row-major in Axes order and
// null entries are missing values.
type Document struct {
	Name                  string            `json:"name"`
	Units                 string            `json:"units"`
	Axes                  []string          `json:"axes"`
	Shape                 []int             `json:"shape"`
	Data                  []*float64        `json:"data"`
	Realizations          []int             `json:"realizations,omitempty"`
	Times                 []time.Time       `json:"times"`
	ForecastReferenceTime *time.Time        `json:"forecast_reference_time,omitempty"`
	ForecastPeriodSeconds int64             `json:"forecast_period_seconds,omitempty"`
	Y                     []float64         `json:"y,omitempty"`
	X                     []float64         `json:"x,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty"`
}

// Field converts d into a validated field.
func (d *Document) Field() (*field.Field, error) {
	f := &field.Field{
		Name:           d.Name,
		Units:          d.Units,
		Shape:          d.Shape,
		Realizations:   d.Realizations,
		Times:          d.Times,
		ForecastPeriod: time.Duration(d.ForecastPeriodSeconds) * time.Second,
		Y:              d.Y,
		X:              d.X,
		Attributes:     d.Attributes,
	}
	for _, a := range d.Axes {
		f.Axes = append(f.Axes, field.Axis(a))
	}
	if d.ForecastReferenceTime != nil {
		f.ForecastReferenceTime = d.ForecastReferenceTime.UTC()
	}
	f.Data = make([]float32, len(d.Data))
	for i, v := range d.Data {
		if v == nil {
			f.Data[i] = float32(math.NaN())
			continue
		}
		f.Data[i] = float32(*v)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("field %q: %w", d.Name, err)
	}
	return f, nil
}

// NewDocument converts f to its JSON form. NaN and infinite values become
// null.
func NewDocument(f *field.Field) *Document {
	d := &Document{
		Name:                  f.Name,
		Units:                 f.Units,
		Shape:                 f.Shape,
		Realizations:          f.Realizations,
		Times:                 f.Times,
		ForecastPeriodSeconds: int64(f.ForecastPeriod / time.Second),
		Y:                     f.Y,
		X:                     f.X,
		Attributes:            f.Attributes,
	}
	for _, a := range f.Axes {
		d.Axes = append(d.Axes, string(a))
	}
	if !f.ForecastReferenceTime.IsZero() {
		t := f.ForecastReferenceTime.UTC()
		d.ForecastReferenceTime = &t
	}
	d.Data = make([]*float64, len(f.Data))
	for i, v := range f.Data {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		d.Data[i] = &x
	}
	return d
}

// Decode reads one JSON field document from r.
func Decode(r io.Reader) (*field.Field, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode field: %w", err)
	}
	return d.Field()
}

func Encode(w io.Writer, f *field.Field) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewDocument(f))
}
