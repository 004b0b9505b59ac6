package store

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/emoscal/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	require.NoError(t, store.Migrate())
	return store
}

var (
	validity1 = time.Date(2017, 11, 10, 4, 0, 0, 0, time.UTC)
	validity2 = validity1.Add(24 * time.Hour)
)

func records(runID int64, diagnostic string, validity time.Time, values ...float64) []models.CoefficientRecord {
	names := []string{"gamma", "delta", "alpha", "beta"}
	out := make([]models.CoefficientRecord, len(values))
	for i, v := range values {
		out[i] = models.CoefficientRecord{
			RunID:                 runID,
			Index:                 i,
			Name:                  names[i%len(names)],
			Value:                 v,
			Diagnostic:            diagnostic,
			ValidityTime:          validity,
			ForecastReferenceTime: validity.Add(-6 * time.Hour),
			ForecastPeriod:        6 * time.Hour,
		}
	}
	return out
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Migrate())

	version, err := store.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestRuns(t *testing.T) {
	store := setupTestStore(t)

	run := &models.CalibrationRun{
		StartedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Method:        "ensemble model output statistics",
		Distribution:  "gaussian",
		PredictorMode: "mean",
		Units:         "K",
	}
	require.NoError(t, store.InsertRun(run))
	assert.NotZero(t, run.ID)
	assert.Equal(t, "running", run.Status)

	run.Status = "ok"
	run.Dates = 2
	run.Diagnostic = "air_temperature"
	require.NoError(t, store.CompleteRun(run))

	second := &models.CalibrationRun{
		StartedAt:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Method:        "nonhomogeneous gaussian regression",
		Distribution:  "truncated_gaussian",
		PredictorMode: "realizations",
	}
	require.NoError(t, store.InsertRun(second))
	second.Status = "failed"
	second.Error = sql.NullString{String: "boom", Valid: true}
	require.NoError(t, store.CompleteRun(second))

	runs, err := store.GetRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
	assert.Equal(t, "failed", runs[0].Status)
	assert.Equal(t, "boom", runs[0].Error.String)
	assert.True(t, runs[1].FinishedAt.Valid)
	assert.Equal(t, 2, runs[1].Dates)
	assert.Equal(t, "air_temperature", runs[1].Diagnostic)
	assert.Empty(t, runs[0].Units)

	runs, err = store.GetRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "K", got.Units)

	missing, err := store.GetRun(999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCoefficients(t *testing.T) {
	store := setupTestStore(t)

	run := &models.CalibrationRun{Method: "emos", Distribution: "gaussian", PredictorMode: "mean"}
	require.NoError(t, store.InsertRun(run))

	first := records(run.ID, "air_temperature", validity1, 0.1, 0.9, 1.2, 0.95)
	first[0].Attributes = map[string]string{"mosg__model_configuration": "uk_ens"}
	require.NoError(t, store.UpsertCoefficients(first))
	require.NoError(t, store.UpsertCoefficients(records(run.ID, "air_temperature", validity2, 0.2, 0.8, 1.1, 0.97)))
	require.NoError(t, store.UpsertCoefficients(records(run.ID, "wind_speed", validity1, 0.3, 0.7, 0.1, 1.01)))

	got, err := store.GetCoefficients(validity1)
	require.NoError(t, err)
	require.Len(t, got, 8)
	assert.Equal(t, "air_temperature", got[0].Diagnostic)
	assert.Equal(t, "gamma", got[0].Name)
	assert.InDelta(t, 0.1, got[0].Value, 1e-12)
	assert.True(t, validity1.Equal(got[0].ValidityTime))
	assert.True(t, validity1.Add(-6*time.Hour).Equal(got[0].ForecastReferenceTime))
	assert.Equal(t, 6*time.Hour, got[0].ForecastPeriod)
	assert.Equal(t, run.ID, got[0].RunID)
	assert.Equal(t, map[string]string{"mosg__model_configuration": "uk_ens"}, got[0].Attributes)
	assert.Equal(t, "wind_speed", got[4].Diagnostic)

	latest, err := store.GetLatestCoefficients("air_temperature")
	require.NoError(t, err)
	require.Len(t, latest, 4)
	assert.True(t, validity2.Equal(latest[0].ValidityTime))
	assert.InDelta(t, 0.97, latest[3].Value, 1e-12)

	none, err := store.GetLatestCoefficients("rainfall_rate")
	require.NoError(t, err)
	assert.Empty(t, none)

	byRun, err := store.GetRunCoefficients(run.ID)
	require.NoError(t, err)
	assert.Len(t, byRun, 12)
}

func TestUpsertCoefficients_Replaces(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.UpsertCoefficients(records(0, "air_temperature", validity1, 1, 1, 0, 1)))
	require.NoError(t, store.UpsertCoefficients(records(0, "air_temperature", validity1, 0.5, 0.5, 2, math.NaN())))

	got, err := store.GetCoefficients(validity1.In(time.FixedZone("AEST", 10*3600)))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.InDelta(t, 2, got[2].Value, 1e-12)
	assert.True(t, math.IsNaN(got[3].Value), "NaN is stored as NULL")
	assert.Zero(t, got[0].RunID)
}

func TestUpsertCoefficients_ShorterVectorDropsTail(t *testing.T) {
	store := setupTestStore(t)

	realizations := &models.CalibrationRun{Method: "emos", Distribution: "gaussian", PredictorMode: "realizations"}
	require.NoError(t, store.InsertRun(realizations))
	require.NoError(t, store.UpsertCoefficients(records(realizations.ID, "air_temperature", validity1, 1, 1, 0, 1, 1, 1, 1)))

	mean := &models.CalibrationRun{Method: "emos", Distribution: "gaussian", PredictorMode: "mean"}
	require.NoError(t, store.InsertRun(mean))
	require.NoError(t, store.UpsertCoefficients(records(mean.ID, "air_temperature", validity1, 0.5, 0.5, 2, 3)))

	latest, err := store.GetLatestCoefficients("air_temperature")
	require.NoError(t, err)
	require.Len(t, latest, 4)
	for i, rec := range latest {
		assert.Equal(t, i, rec.Index)
		assert.Equal(t, mean.ID, rec.RunID)
	}

	got, err := store.GetCoefficients(validity1)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	old, err := store.GetRunCoefficients(realizations.ID)
	require.NoError(t, err)
	assert.Empty(t, old)

	// Other validity times are untouched.
	require.NoError(t, store.UpsertCoefficients(records(mean.ID, "air_temperature", validity2, 1, 1, 0, 1, 1)))
	require.NoError(t, store.UpsertCoefficients(records(mean.ID, "air_temperature", validity1, 0.5, 0.5, 2)))
	got, err = store.GetCoefficients(validity2)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	got, err = store.GetCoefficients(validity1)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDiagnostics(t *testing.T) {
	store := setupTestStore(t)

	run := &models.CalibrationRun{Method: "emos", Distribution: "gaussian", PredictorMode: "mean"}
	require.NoError(t, store.InsertRun(run))

	diags := []models.Diagnostic{
		{Kind: models.DiagnosticDefaultGuess, Message: "no regression backend"},
		{Kind: models.DiagnosticNotConverged, Date: validity1, Message: "did not converge"},
	}
	require.NoError(t, store.InsertDiagnostics(run.ID, diags))
	require.NoError(t, store.InsertDiagnostics(run.ID, nil))

	got, err := store.GetDiagnostics(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.DiagnosticDefaultGuess, got[0].Kind)
	assert.True(t, got[0].Date.IsZero())
	assert.Equal(t, run.ID, got[1].RunID)
	assert.True(t, validity1.Equal(got[1].Date))
	assert.Equal(t, "did not converge", got[1].Message)
	assert.False(t, got[1].CreatedAt.IsZero())

	other, err := store.GetDiagnostics(run.ID + 1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTimeTextOrdersChronologically(t *testing.T) {
	a := formatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC))
	c := formatTime(time.Date(2024, 1, 1, 9, 0, 1, 0, time.FixedZone("AEST", 10*3600)))
	assert.Less(t, a.String, b.String)
	assert.Less(t, c.String, a.String)

	parsed, err := parseTime(b)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC)))
}
