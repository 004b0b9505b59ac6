package main

import (
	"errors"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lox/emoscal/internal/api"
	"github.com/lox/emoscal/internal/calibration"
	"github.com/lox/emoscal/internal/ingest"
	"github.com/lox/emoscal/internal/runner"
	"github.com/lox/emoscal/internal/store"
)

type CalibrationFlags struct {
	Method          string  `help:"Calibration method: EMOS or NGR, by full name." default:"ensemble model output statistics" env:"EMOSCAL_METHOD"`
	Distribution    string  `help:"Predictive distribution: gaussian or truncated_gaussian." default:"gaussian" env:"EMOSCAL_DISTRIBUTION"`
	Predictor       string  `help:"Predictor: mean or realizations." default:"mean" env:"EMOSCAL_PREDICTOR"`
	Units           string  `help:"Units to calibrate in. Empty uses the historic forecast's units." env:"EMOSCAL_UNITS"`
	NoRegression    bool    `help:"Start every minimisation from the default initial guess." env:"EMOSCAL_NO_REGRESSION"`
	NoSeedReuse     bool    `help:"Do not start each date from the previous date's coefficients." env:"EMOSCAL_NO_SEED_REUSE"`
	Workers         int     `help:"Dates estimated in parallel." default:"1" env:"EMOSCAL_WORKERS"`
	MaxIterations   int     `help:"Nelder-Mead iteration cap." default:"200" env:"EMOSCAL_MAX_ITERATIONS"`
	Tolerance       float64 `help:"Tolerated percentage change between the last two iterates." default:"5" env:"EMOSCAL_TOLERATED_PERCENTAGE_CHANGE"`
	TruncationLimit float64 `help:"Smallest mu/sigma accepted by the truncated Gaussian loss." default:"-3" env:"EMOSCAL_TRUNCATION_LIMIT"`
}

func (f CalibrationFlags) Options() calibration.Options {
	opts := calibration.DefaultOptions()
	opts.Method = f.Method
	opts.Distribution = f.Distribution
	opts.PredictorMode = f.Predictor
	opts.Units = f.Units
	opts.UseRegression = !f.NoRegression
	opts.ReuseSeed = !f.NoSeedReuse
	opts.Workers = f.Workers
	opts.MaxIterations = f.MaxIterations
	opts.ToleratedPercentageChange = f.Tolerance
	limit := f.TruncationLimit
	opts.TruncationStabilityLimit = &limit
	return opts
}

type JobFlags struct {
	Current   string `help:"Location of the forecast to calibrate (path, file://, ftp://, http(s)://)." env:"EMOSCAL_CURRENT"`
	Historic  string `help:"Location of the historic forecasts for the training period." env:"EMOSCAL_HISTORIC"`
	Truth     string `help:"Location of the truths for the training period." env:"EMOSCAL_TRUTH"`
	OutputDir string `help:"Directory for the calibrated predictor and variance documents." env:"EMOSCAL_OUTPUT_DIR"`
	Heatmaps  bool   `help:"Also write PNG heatmaps of the outputs." env:"EMOSCAL_HEATMAPS"`
}

func (f JobFlags) Job() runner.Job {
	return runner.Job{
		Current:   f.Current,
		Historic:  f.Historic,
		Truth:     f.Truth,
		OutputDir: f.OutputDir,
		Heatmaps:  f.Heatmaps,
	}
}

func (f JobFlags) complete() bool {
	return f.Current != "" && f.Historic != "" && f.Truth != ""
}

type CalibrateCmd struct {
	CalibrationFlags `embed:""`
	JobFlags         `embed:""`

	NoStore bool   `help:"Do not record the run in the database."`
	Format  string `help:"Output format for the coefficients." enum:"table,json,yaml" default:"table"`
}

func (c *CalibrateCmd) Run(g *Globals) error {
	if !c.complete() {
		return errors.New("--current, --historic and --truth are required")
	}
	ctx, stop := signalContext()
	defer stop()

	var st *store.Store
	if !c.NoStore {
		s, closeDB, err := openStore(g.DB)
		if err != nil {
			return err
		}
		defer closeDB()
		st = s
	}

	r := runner.New(ingest.NewLoader(), st, c.Options(), clockwork.NewRealClock())
	report, err := r.Run(ctx, c.Job())
	if err != nil {
		return err
	}
	for _, p := range report.Outputs {
		log.Info().Str("path", p).Msg("wrote output")
	}
	return writeCoefficients(os.Stdout, c.Format, report.Result.Coefficients)
}

type ServeCmd struct {
	CalibrationFlags `embed:""`
	JobFlags         `embed:""`

	Port     string        `help:"HTTP server port." default:"8080" env:"EMOSCAL_PORT"`
	Schedule time.Duration `help:"Recalibrate on this interval while serving. Zero disables." default:"0s" env:"EMOSCAL_SCHEDULE"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	s, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	if c.Schedule > 0 {
		if !c.complete() {
			return errors.New("--schedule needs --current, --historic and --truth")
		}
		r := runner.New(ingest.NewLoader(), s, c.Options(), clockwork.NewRealClock())
		go runner.NewScheduler(r, c.Job(), c.Schedule).Run(ctx)
	} else {
		log.Info().Msg("scheduled calibration disabled")
	}

	return api.NewServer(s, c.Port).Run(ctx)
}
