package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/emoscal/internal/models"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

type HealthStatus struct {
	Status  string   `json:"status"`
	LastRun *RunView `json:"last_run,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// RunView is the JSON form of a calibration run.
type RunView struct {
	ID            int64      `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Method        string     `json:"method"`
	Distribution  string     `json:"distribution"`
	PredictorMode string     `json:"predictor_mode"`
	Units         string     `json:"units,omitempty"`
	Diagnostic    string     `json:"diagnostic,omitempty"`
	Dates         int        `json:"dates"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
}

func newRunView(r models.CalibrationRun) RunView {
	v := RunView{
		ID:            r.ID,
		StartedAt:     r.StartedAt,
		Method:        r.Method,
		Distribution:  r.Distribution,
		PredictorMode: r.PredictorMode,
		Units:         r.Units,
		Diagnostic:    r.Diagnostic,
		Dates:         r.Dates,
		Status:        r.Status,
		Error:         r.Error.String,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		v.FinishedAt = &t
	}
	return v
}

// CoefficientView is the JSON form of a coefficient record. A missing value
// is null.
type CoefficientView struct {
	RunID                 int64             `json:"run_id,omitempty"`
	Diagnostic            string            `json:"diagnostic"`
	ValidityTime          time.Time         `json:"validity_time"`
	Index                 int               `json:"index"`
	Name                  string            `json:"name"`
	Value                 *float64          `json:"value"`
	ForecastReferenceTime *time.Time        `json:"forecast_reference_time,omitempty"`
	ForecastPeriodSeconds int64             `json:"forecast_period_seconds,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty"`
}

// NewCoefficientViews converts records for JSON output.
func NewCoefficientViews(records []models.CoefficientRecord) []CoefficientView {
	views := make([]CoefficientView, 0, len(records))
	for _, rec := range records {
		v := CoefficientView{
			RunID:                 rec.RunID,
			Diagnostic:            rec.Diagnostic,
			ValidityTime:          rec.ValidityTime,
			Index:                 rec.Index,
			Name:                  rec.Name,
			ForecastPeriodSeconds: int64(rec.ForecastPeriod / time.Second),
			Attributes:            rec.Attributes,
		}
		if !math.IsNaN(rec.Value) && !math.IsInf(rec.Value, 0) {
			value := rec.Value
			v.Value = &value
		}
		if !rec.ForecastReferenceTime.IsZero() {
			frt := rec.ForecastReferenceTime
			v.ForecastReferenceTime = &frt
		}
		views = append(views, v)
	}
	return views
}

// RunDetail is a run with everything it recorded.
type RunDetail struct {
	RunView
	Coefficients []CoefficientView   `json:"coefficients"`
	Diagnostics  []models.Diagnostic `json:"diagnostics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.GetRuns(1)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, HealthStatus{Status: "error", Error: err.Error()})
		return
	}
	health := HealthStatus{Status: "ok"}
	if len(runs) > 0 {
		last := newRunView(runs[0])
		health.LastRun = &last
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.store.GetRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run id %q", r.PathValue("id")))
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %d not found", id))
		return
	}

	coeffs, err := s.store.GetRunCoefficients(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	diags, err := s.store.GetDiagnostics(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if diags == nil {
		diags = []models.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, RunDetail{
		RunView:      newRunView(*run),
		Coefficients: NewCoefficientViews(coeffs),
		Diagnostics:  diags,
	})
}

func (s *Server) handleAPICoefficients(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("date")
	if v == "" {
		writeError(w, http.StatusBadRequest, errors.New("date is required"))
		return
	}
	date, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q: want RFC3339", v))
		return
	}

	records, err := s.store.GetCoefficients(date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, NewCoefficientViews(records))
}

func (s *Server) handleAPILatestCoefficients(w http.ResponseWriter, r *http.Request) {
	diagnostic := r.URL.Query().Get("diagnostic")
	if diagnostic == "" {
		writeError(w, http.StatusBadRequest, errors.New("diagnostic is required"))
		return
	}
	records, err := s.store.GetLatestCoefficients(diagnostic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no coefficients for %q", diagnostic))
		return
	}
	writeJSON(w, http.StatusOK, NewCoefficientViews(records))
}
