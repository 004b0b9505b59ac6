package models

import (
	"database/sql"
	"time"
)

type CalibrationRun struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Method        string
	Distribution  string
	PredictorMode string
	Units         string
	Diagnostic    string // name of the calibrated field, e.g. "air_temperature"
	Dates         int
	Status        string // "running", "ok", "failed"
	Error         sql.NullString
}

// CoefficientRecord is one named EMOS coefficient for a validity time, tagged
// with the metadata of the forecast it was applied to.
type CoefficientRecord struct {
	RunID                 int64             `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Index                 int               `json:"index" yaml:"index"`
	Name                  string            `json:"name" yaml:"name"`
	Value                 float64           `json:"value" yaml:"value"`
	Diagnostic            string            `json:"diagnostic" yaml:"diagnostic"`
	ValidityTime          time.Time         `json:"validity_time" yaml:"validity_time"`
	ForecastReferenceTime time.Time         `json:"forecast_reference_time,omitzero" yaml:"forecast_reference_time,omitempty"`
	ForecastPeriod        time.Duration     `json:"forecast_period,omitempty" yaml:"forecast_period,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type DiagnosticKind string

const (
	DiagnosticNotConverged      DiagnosticKind = "not_converged"
	DiagnosticUnsettled         DiagnosticKind = "percentage_change"
	DiagnosticDefaultGuess      DiagnosticKind = "default_initial_guess"
	DiagnosticInvalidRegression DiagnosticKind = "invalid_regression"
)

// Diagnostic is a non-fatal finding from a calibration run. Date is zero for
// findings that are not tied to a validity time.
type Diagnostic struct {
	ID        int64          `json:"id,omitempty"`
	RunID     int64          `json:"run_id,omitempty"`
	Kind      DiagnosticKind `json:"kind"`
	Date      time.Time      `json:"date,omitzero"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}
