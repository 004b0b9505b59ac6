package runner

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/emoscal/internal/calibration"
	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/ingest"
	"github.com/lox/emoscal/internal/metrics"
	"github.com/lox/emoscal/internal/models"
	"github.com/lox/emoscal/internal/store"
)

var (
	trainingStart = time.Date(2017, 11, 1, 3, 0, 0, 0, time.UTC)
	currentDate   = time.Date(2017, 11, 10, 3, 0, 0, 0, time.UTC)
	clockStart    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func baseValue(ti, y, x int) float32 {
	return 0.5 + 0.1*float32(ti) + 0.2*float32(y) + 0.3*float32(x)
}

func ensemble(t *testing.T, times []time.Time) *field.Field {
	t.Helper()
	const nr, ny, nx = 3, 2, 2
	f := &field.Field{
		Name:                  "air_temperature",
		Units:                 "degC",
		Axes:                  []field.Axis{field.AxisRealization, field.AxisTime, field.AxisY, field.AxisX},
		Shape:                 []int{nr, len(times), ny, nx},
		Times:                 times,
		ForecastReferenceTime: times[0].Add(-6 * time.Hour),
		ForecastPeriod:        6 * time.Hour,
		Attributes:            map[string]string{"mosg__model_configuration": "uk_ens"},
	}
	for r := 0; r < nr; r++ {
		for ti := range times {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					f.Data = append(f.Data, baseValue(ti, y, x)+0.1*float32(r-1))
				}
			}
		}
	}
	require.NoError(t, f.Validate())
	return f
}

func truth(t *testing.T, times []time.Time) *field.Field {
	t.Helper()
	f := &field.Field{
		Name:  "air_temperature",
		Units: "degC",
		Axes:  []field.Axis{field.AxisTime, field.AxisY, field.AxisX},
		Shape: []int{len(times), 2, 2},
		Times: times,
	}
	for ti := range times {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				f.Data = append(f.Data, 2*baseValue(ti, y, x)+1)
			}
		}
	}
	require.NoError(t, f.Validate())
	return f
}

// writeInputs writes current, historic and truth documents and returns a job
// reading them.
func writeInputs(t *testing.T) Job {
	t.Helper()
	dir := t.TempDir()
	var times []time.Time
	for i := 0; i < 4; i++ {
		times = append(times, trainingStart.Add(time.Duration(i)*24*time.Hour))
	}
	job := Job{
		Current:  filepath.Join(dir, "current.json"),
		Historic: filepath.Join(dir, "historic.json"),
		Truth:    filepath.Join(dir, "truth.json"),
	}
	require.NoError(t, ingest.WriteFile(job.Current, ensemble(t, []time.Time{currentDate})))
	require.NoError(t, ingest.WriteFile(job.Historic, ensemble(t, times)))
	require.NoError(t, ingest.WriteFile(job.Truth, truth(t, times)))
	return job
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	require.NoError(t, st.Migrate())
	return st
}

func TestRun_PersistsRunAndCoefficients(t *testing.T) {
	st := setupStore(t)
	job := writeInputs(t)
	job.OutputDir = filepath.Join(t.TempDir(), "out")
	job.Heatmaps = true

	clock := clockwork.NewFakeClockAt(clockStart)
	r := New(ingest.NewLoader(), st, calibration.DefaultOptions(), clock)

	report, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "ok", report.Run.Status)
	assert.Equal(t, 1, report.Run.Dates)
	assert.Equal(t, "air_temperature", report.Run.Diagnostic)
	assert.True(t, clockStart.Equal(report.Run.StartedAt))

	runs, err := st.GetRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)
	assert.True(t, runs[0].FinishedAt.Valid)

	coeffs, err := st.GetRunCoefficients(report.Run.ID)
	require.NoError(t, err)
	require.Len(t, coeffs, 4)
	assert.Equal(t, "alpha", coeffs[2].Name)
	assert.InDelta(t, 1, coeffs[2].Value, 0.15)
	assert.True(t, currentDate.Equal(coeffs[0].ValidityTime))
	assert.Equal(t, "uk_ens", coeffs[0].Attributes["mosg__model_configuration"])

	require.Len(t, report.Outputs, 4)
	for _, p := range report.Outputs {
		assert.FileExists(t, p)
	}
	predictor, err := ingest.NewLoader().Load(context.Background(), report.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, []field.Axis{field.AxisY, field.AxisX}, predictor.Axes)
}

func TestRun_WithoutStore(t *testing.T) {
	r := New(ingest.NewLoader(), nil, calibration.DefaultOptions(), nil)
	report, err := r.Run(context.Background(), writeInputs(t))
	require.NoError(t, err)
	assert.Zero(t, report.Run.ID)
	assert.Empty(t, report.Outputs)
	assert.NotNil(t, report.Result.Predictor)
}

func TestRun_RecordsDiagnostics(t *testing.T) {
	st := setupStore(t)
	opts := calibration.DefaultOptions()
	opts.PredictorMode = "realizations"
	opts.Regressor = nil

	r := New(ingest.NewLoader(), st, opts, clockwork.NewFakeClockAt(clockStart))
	report, err := r.Run(context.Background(), writeInputs(t))
	require.NoError(t, err)

	diags, err := st.GetDiagnostics(report.Run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	assert.Equal(t, models.DiagnosticDefaultGuess, diags[0].Kind)
}

func TestRun_RecordsCanonicalNames(t *testing.T) {
	st := setupStore(t)
	opts := calibration.DefaultOptions()
	opts.Distribution = "Truncated Gaussian"
	opts.PredictorMode = "MEAN"

	r := New(ingest.NewLoader(), st, opts, clockwork.NewFakeClockAt(clockStart))
	report, err := r.Run(context.Background(), writeInputs(t))
	require.NoError(t, err)

	assert.Equal(t, "truncated_gaussian", report.Run.Distribution)
	assert.Equal(t, "mean", report.Run.PredictorMode)
	assert.Equal(t, "degC", report.Run.Units, "inputs are calibrated in the historic forecast's units")

	got, err := st.GetRun(report.Run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "truncated_gaussian", got.Distribution)
	assert.Equal(t, "degC", got.Units)

	assert.True(t, metrics.FinalLoss.DeleteLabelValues("air_temperature", "truncated_gaussian"))
	assert.False(t, metrics.FinalLoss.DeleteLabelValues("air_temperature", "Truncated Gaussian"))
}

func TestRun_FailureIsRecorded(t *testing.T) {
	st := setupStore(t)
	job := writeInputs(t)
	job.Truth = filepath.Join(t.TempDir(), "missing.json")

	r := New(ingest.NewLoader(), st, calibration.DefaultOptions(), clockwork.NewFakeClockAt(clockStart))
	_, err := r.Run(context.Background(), job)
	require.Error(t, err)

	runs, err := st.GetRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Contains(t, runs[0].Error.String, "missing.json")
}

func TestRun_ConfigurationError(t *testing.T) {
	st := setupStore(t)
	opts := calibration.DefaultOptions()
	opts.Distribution = "gamma"

	_, err := New(ingest.NewLoader(), st, opts, nil).Run(context.Background(), writeInputs(t))
	require.ErrorIs(t, err, calibration.ErrConfiguration)

	runs, err := st.GetRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is recorded for an invalid configuration")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ingest.NewLoader(), nil, calibration.DefaultOptions(), nil).Run(ctx, writeInputs(t))
	assert.ErrorIs(t, err, context.Canceled)
}

type countingLoader struct {
	next  FieldLoader
	loads atomic.Int32
}

func (l *countingLoader) Load(ctx context.Context, location string) (*field.Field, error) {
	l.loads.Add(1)
	return l.next.Load(ctx, location)
}

func TestScheduler(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	loader := &countingLoader{next: ingest.NewLoader()}
	r := New(loader, nil, calibration.DefaultOptions(), clock)
	s := NewScheduler(r, writeInputs(t), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(3), loader.loads.Load(), "runs once on start")

	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool { return loader.loads.Load() == 6 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

type failingLoader struct{}

func (failingLoader) Load(context.Context, string) (*field.Field, error) {
	return nil, errors.New("unreachable")
}

func TestScheduler_SurvivesFailures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockStart)
	s := NewScheduler(New(failingLoader{}, nil, calibration.DefaultOptions(), clock), Job{Current: "x"}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
