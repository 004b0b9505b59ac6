package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/emoscal/internal/store"
)

type Globals struct {
	LogLevel string                   `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"EMOSCAL_LOG_LEVEL"`
	DB       string                   `help:"Path to the SQLite database." default:"data/emoscal.db" env:"EMOSCAL_DB"`
	EnvFile  kongdotenv.ENVFileConfig `kong:"optional,name=env-file,help='Path to a .env file to load EMOSCAL_* settings from.'"`
}

type CLI struct {
	Globals `embed:""`

	Calibrate    CalibrateCmd    `cmd:"" help:"Estimate EMOS coefficients from a training period and calibrate a forecast."`
	Coefficients CoefficientsCmd `cmd:"" help:"Show stored coefficients as a table, JSON or YAML."`
	Runs         RunsCmd         `cmd:"" help:"List recent calibration runs."`
	Serve        ServeCmd        `cmd:"" help:"Serve the HTTP API, optionally recalibrating on a schedule."`
	Migrate      MigrateCmd      `cmd:"" help:"Apply database migrations."`
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// openStore opens and migrates the database at path.
func openStore(path string) (*store.Store, func(), error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, func() { db.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	s, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	version, err := s.MigrationVersion()
	if err != nil {
		return err
	}
	log.Info().Str("db", g.DB).Int("version", version).Msg("database migrated")
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("emoscal"),
		kong.Description("Ensemble Model Output Statistics calibration for gridded ensemble forecasts."),
		kong.UsageOnError(),
	)
	setupLogging(cli.LogLevel)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
