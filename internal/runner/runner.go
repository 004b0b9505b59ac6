// Package runner runs calibration jobs end to end: load the inputs,
// calibrate, record what happened and write the outputs.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lox/emoscal/internal/calibration"
	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/ingest"
	"github.com/lox/emoscal/internal/metrics"
	"github.com/lox/emoscal/internal/models"
	"github.com/lox/emoscal/internal/render"
	"github.com/lox/emoscal/internal/store"
)

// FieldLoader loads a field from a location. *ingest.Loader implements it.
type FieldLoader interface {
	Load(ctx context.Context, location string) (*field.Field, error)
}

// Job names the inputs of one calibration and where to put the outputs.
type Job struct {
	Current  string
	Historic string
	Truth    string
	// OutputDir receives the calibrated predictor and variance as JSON
	// documents. Empty skips writing.
	OutputDir string
	// Heatmaps also writes one PNG per validity time of each output.
	Heatmaps bool
}

type Runner struct {
	loader FieldLoader
	store  *store.Store
	opts   calibration.Options
	clock  clockwork.Clock
}

// New returns a runner. st may be nil, in which case nothing is persisted.
func New(loader FieldLoader, st *store.Store, opts calibration.Options, clock clockwork.Clock) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{loader: loader, store: st, opts: opts, clock: clock}
}

// Report is the outcome of a successful run.
type Report struct {
	Run     models.CalibrationRun
	Result  *calibration.Result
	Outputs []string
}

func (r *Runner) Run(ctx context.Context, job Job) (*Report, error) {
	cal, err := calibration.New(r.opts)
	if err != nil {
		return nil, err
	}
	opts := cal.Options()

	run := &models.CalibrationRun{
		StartedAt:     r.clock.Now().UTC(),
		Method:        opts.Method,
		Distribution:  cal.Distribution().String(),
		PredictorMode: cal.PredictorMode().String(),
		Units:         opts.Units,
	}
	if r.store != nil {
		if err := r.store.InsertRun(run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	report, err := r.run(ctx, cal, run, job)
	if err != nil {
		run.Status = "failed"
		run.Error = sql.NullString{String: err.Error(), Valid: true}
		r.finish(run)
		log.Error().Err(err).Int64("run_id", run.ID).Msg("calibration failed")
		return nil, err
	}
	run.Status = "ok"
	r.finish(run)
	report.Run = *run
	return report, nil
}

func (r *Runner) finish(run *models.CalibrationRun) {
	now := r.clock.Now().UTC()
	run.FinishedAt = sql.NullTime{Time: now, Valid: true}
	metrics.RunDuration.WithLabelValues(run.Status).Observe(now.Sub(run.StartedAt).Seconds())
	if r.store == nil {
		return
	}
	if err := r.store.CompleteRun(run); err != nil {
		log.Error().Err(err).Int64("run_id", run.ID).Msg("failed to record run outcome")
	}
}

func (r *Runner) run(ctx context.Context, cal *calibration.Calibrator, run *models.CalibrationRun, job Job) (*Report, error) {
	var inputs [3]*field.Field
	for i, loc := range []string{job.Current, job.Historic, job.Truth} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := r.loader.Load(ctx, loc)
		if err != nil {
			return nil, err
		}
		inputs[i] = f
	}
	current, historic, truth := inputs[0], inputs[1], inputs[2]
	run.Diagnostic = current.Name

	log.Info().
		Int64("run_id", run.ID).
		Str("diagnostic", current.Name).
		Str("distribution", run.Distribution).
		Str("predictor", run.PredictorMode).
		Int("historic_times", len(historic.Times)).
		Msg("starting calibration")

	res, err := cal.Process(ctx, current, historic, truth)
	if err != nil {
		return nil, err
	}
	run.Dates = len(res.Estimation.Dates)
	run.Units = res.Estimation.Units
	r.observe(run, res)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.persist(run, res); err != nil {
		return nil, err
	}

	report := &Report{Result: res}
	if job.OutputDir != "" {
		if report.Outputs, err = writeOutputs(job, res); err != nil {
			return nil, err
		}
	}

	log.Info().
		Int64("run_id", run.ID).
		Int("dates", run.Dates).
		Int("coefficients", len(res.Coefficients)).
		Int("diagnostics", len(res.Diagnostics)).
		Dur("elapsed", r.clock.Since(run.StartedAt)).
		Msg("calibration complete")
	return report, nil
}

// observe logs diagnostics and updates metrics for every minimisation.
func (r *Runner) observe(run *models.CalibrationRun, res *calibration.Result) {
	for _, d := range res.Estimation.Dates {
		m := d.Minimization
		if m == nil {
			continue
		}
		metrics.MinimizationsTotal.WithLabelValues(run.Distribution, m.Status).Inc()
		metrics.MinimizerIterations.WithLabelValues(run.Distribution).Observe(float64(m.Iterations))
		metrics.FinalLoss.WithLabelValues(run.Diagnostic, run.Distribution).Set(m.Loss)
		log.Debug().
			Time("date", d.Date).
			Floats64("coefficients", d.Coefficients).
			Float64("crps", m.Loss).
			Int("iterations", m.Iterations).
			Str("status", m.Status).
			Msg("estimated coefficients")
	}
	for _, d := range res.Diagnostics {
		metrics.ConvergenceWarnings.WithLabelValues(string(d.Kind)).Inc()
		ev := log.Warn().Int64("run_id", run.ID).Str("kind", string(d.Kind))
		if !d.Date.IsZero() {
			ev = ev.Time("date", d.Date)
		}
		ev.Msg(d.Message)
	}
}

func (r *Runner) persist(run *models.CalibrationRun, res *calibration.Result) error {
	if r.store == nil {
		return nil
	}
	for i := range res.Coefficients {
		res.Coefficients[i].RunID = run.ID
	}
	if err := r.store.UpsertCoefficients(res.Coefficients); err != nil {
		return fmt.Errorf("store coefficients: %w", err)
	}
	if err := r.store.InsertDiagnostics(run.ID, res.Diagnostics); err != nil {
		return fmt.Errorf("store diagnostics: %w", err)
	}
	return nil
}

func writeOutputs(job Job, res *calibration.Result) ([]string, error) {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	var paths []string
	for _, out := range []struct {
		suffix string
		f      *field.Field
	}{
		{"predictor", res.Predictor},
		{"variance", res.Variance},
	} {
		base := filepath.Join(job.OutputDir, out.f.Name+"_"+out.suffix)
		if err := ingest.WriteFile(base+".json", out.f); err != nil {
			return nil, fmt.Errorf("write %s: %w", out.suffix, err)
		}
		paths = append(paths, base+".json")

		if !job.Heatmaps {
			continue
		}
		for ti, t := range out.f.Times {
			path := fmt.Sprintf("%s_%s.png", base, t.UTC().Format("20060102T1504Z"))
			caption := fmt.Sprintf("%s %s (%s) %s", out.f.Name, out.suffix, out.f.Units, t.UTC().Format(time.RFC3339))
			if err := render.WriteFile(path, out.f, render.Options{Time: ti, Caption: caption}); err != nil {
				return nil, fmt.Errorf("write heatmap: %w", err)
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}
