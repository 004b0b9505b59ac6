package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lox/emoscal/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// timeText is the storage format for validity and reference times. Times are
// stored in UTC with fixed width so text order is time order.
const timeText = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeText), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeText, s.String)
}

// InsertRun records the start of a calibration run and sets run.ID.
func (s *Store) InsertRun(run *models.CalibrationRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = "running"
	}
	result, err := s.db.Exec(`
		INSERT INTO calibration_runs (started_at, method, distribution, predictor_mode, units, diagnostic, dates, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.StartedAt, run.Method, run.Distribution, run.PredictorMode, run.Units, run.Diagnostic, run.Dates, run.Status)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

// CompleteRun stores the outcome of run. A zero FinishedAt is set to now.
func (s *Store) CompleteRun(run *models.CalibrationRun) error {
	if run == nil {
		return nil
	}
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE calibration_runs SET
			finished_at = ?,
			units = ?,
			diagnostic = ?,
			dates = ?,
			status = ?,
			error = ?
		WHERE id = ?
	`, run.FinishedAt, run.Units, run.Diagnostic, run.Dates, run.Status, run.Error, run.ID)
	return err
}

func (s *Store) GetRuns(limit int) ([]models.CalibrationRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, method, distribution, predictor_mode, units, diagnostic, dates, status, error
		FROM calibration_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.CalibrationRun
	for rows.Next() {
		var r models.CalibrationRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Method, &r.Distribution, &r.PredictorMode,
			&r.Units, &r.Diagnostic, &r.Dates, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(id int64) (*models.CalibrationRun, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, method, distribution, predictor_mode, units, diagnostic, dates, status, error
		FROM calibration_runs WHERE id = ?
	`, id)
	var r models.CalibrationRun
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Method, &r.Distribution, &r.PredictorMode,
		&r.Units, &r.Diagnostic, &r.Dates, &r.Status, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertCoefficients stores records keyed by diagnostic, validity time and
// coefficient index. The records for a diagnostic and validity time replace
// the whole vector stored by an earlier run, including any longer tail.
func (s *Store) UpsertCoefficients(records []models.CoefficientRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	type vectorKey struct {
		diagnostic string
		validity   string
	}
	lengths := make(map[vectorKey]int)
	for _, rec := range records {
		key := vectorKey{rec.Diagnostic, formatTime(rec.ValidityTime).String}
		lengths[key] = max(lengths[key], rec.Index+1)
	}
	for key, n := range lengths {
		if _, err := tx.Exec(`
			DELETE FROM emos_coefficients
			WHERE diagnostic = ? AND validity_time = ? AND coefficient_index >= ?
		`, key.diagnostic, key.validity, n); err != nil {
			return fmt.Errorf("trim coefficients of %s at %s: %w", key.diagnostic, key.validity, err)
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO emos_coefficients (diagnostic, validity_time, coefficient_index, name, value, run_id,
			forecast_reference_time, forecast_period_seconds, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(diagnostic, validity_time, coefficient_index) DO UPDATE SET
			name = excluded.name,
			value = excluded.value,
			run_id = excluded.run_id,
			forecast_reference_time = excluded.forecast_reference_time,
			forecast_period_seconds = excluded.forecast_period_seconds,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, rec := range records {
		value := sql.NullFloat64{Float64: rec.Value, Valid: !math.IsNaN(rec.Value) && !math.IsInf(rec.Value, 0)}
		var attrs sql.NullString
		if len(rec.Attributes) > 0 {
			b, err := json.Marshal(rec.Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes: %w", err)
			}
			attrs = sql.NullString{String: string(b), Valid: true}
		}
		runID := sql.NullInt64{Int64: rec.RunID, Valid: rec.RunID != 0}

		if _, err := stmt.Exec(rec.Diagnostic, formatTime(rec.ValidityTime), rec.Index, rec.Name, value, runID,
			formatTime(rec.ForecastReferenceTime), int64(rec.ForecastPeriod/time.Second), attrs, now); err != nil {
			return fmt.Errorf("upsert %s %s at %s: %w", rec.Diagnostic, rec.Name, rec.ValidityTime.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

const coefficientColumns = `diagnostic, validity_time, coefficient_index, name, value, run_id,
	forecast_reference_time, forecast_period_seconds, attributes`

func scanCoefficients(rows *sql.Rows) ([]models.CoefficientRecord, error) {
	defer rows.Close()

	var records []models.CoefficientRecord
	for rows.Next() {
		var (
			rec           models.CoefficientRecord
			validity, frt sql.NullString
			value         sql.NullFloat64
			runID         sql.NullInt64
			periodSeconds sql.NullInt64
			attrs         sql.NullString
		)
		if err := rows.Scan(&rec.Diagnostic, &validity, &rec.Index, &rec.Name, &value, &runID,
			&frt, &periodSeconds, &attrs); err != nil {
			return nil, err
		}
		var err error
		if rec.ValidityTime, err = parseTime(validity); err != nil {
			return nil, fmt.Errorf("parse validity time: %w", err)
		}
		if rec.ForecastReferenceTime, err = parseTime(frt); err != nil {
			return nil, fmt.Errorf("parse forecast reference time: %w", err)
		}
		rec.Value = math.NaN()
		if value.Valid {
			rec.Value = value.Float64
		}
		rec.RunID = runID.Int64
		rec.ForecastPeriod = time.Duration(periodSeconds.Int64) * time.Second
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetCoefficients returns every coefficient valid at date, ordered by
// diagnostic and index.
func (s *Store) GetCoefficients(date time.Time) ([]models.CoefficientRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+coefficientColumns+`
		FROM emos_coefficients
		WHERE validity_time = ?
		ORDER BY diagnostic, coefficient_index
	`, formatTime(date))
	if err != nil {
		return nil, err
	}
	return scanCoefficients(rows)
}

// GetLatestCoefficients returns the coefficients of diagnostic at its most
// recent validity time, or nil if none are stored.
func (s *Store) GetLatestCoefficients(diagnostic string) ([]models.CoefficientRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+coefficientColumns+`
		FROM emos_coefficients
		WHERE diagnostic = ? AND validity_time = (
			SELECT MAX(validity_time) FROM emos_coefficients WHERE diagnostic = ?
		)
		ORDER BY coefficient_index
	`, diagnostic, diagnostic)
	if err != nil {
		return nil, err
	}
	return scanCoefficients(rows)
}

// GetRunCoefficients returns the coefficients last written by run id.
func (s *Store) GetRunCoefficients(runID int64) ([]models.CoefficientRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+coefficientColumns+`
		FROM emos_coefficients
		WHERE run_id = ?
		ORDER BY validity_time, diagnostic, coefficient_index
	`, runID)
	if err != nil {
		return nil, err
	}
	return scanCoefficients(rows)
}

func (s *Store) InsertDiagnostics(runID int64, diags []models.Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, d := range diags {
		created := d.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.Exec(`
			INSERT INTO calibration_diagnostics (run_id, kind, date, message, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, runID, string(d.Kind), formatTime(d.Date), d.Message, created); err != nil {
			return fmt.Errorf("insert %s diagnostic: %w", d.Kind, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetDiagnostics(runID int64) ([]models.Diagnostic, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, kind, date, message, created_at
		FROM calibration_diagnostics
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diags []models.Diagnostic
	for rows.Next() {
		var (
			d    models.Diagnostic
			kind string
			date sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.RunID, &kind, &date, &d.Message, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = models.DiagnosticKind(kind)
		if d.Date, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("parse diagnostic date: %w", err)
		}
		diags = append(diags, d)
	}
	return diags, rows.Err()
}
