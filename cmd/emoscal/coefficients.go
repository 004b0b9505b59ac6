package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/lox/emoscal/internal/api"
	"github.com/lox/emoscal/internal/models"
)

type CoefficientsCmd struct {
	Date       string `help:"Validity time (RFC3339) to show coefficients for." xor:"select"`
	Diagnostic string `help:"Show the latest coefficients of this diagnostic." xor:"select"`
	RunID      int64  `name:"run" help:"Show the coefficients written by this run." xor:"select"`
	Format     string `help:"Output format." enum:"table,json,yaml" default:"table"`
}

func (c *CoefficientsCmd) Run(g *Globals) error {
	s, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	var records []models.CoefficientRecord
	switch {
	case c.Date != "":
		date, err := time.Parse(time.RFC3339, c.Date)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		records, err = s.GetCoefficients(date)
		if err != nil {
			return err
		}
	case c.Diagnostic != "":
		if records, err = s.GetLatestCoefficients(c.Diagnostic); err != nil {
			return err
		}
	case c.RunID != 0:
		if records, err = s.GetRunCoefficients(c.RunID); err != nil {
			return err
		}
	default:
		return errors.New("one of --date, --diagnostic or --run is required")
	}
	return writeCoefficients(os.Stdout, c.Format, records)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.6g", v)
}

func writeCoefficients(w io.Writer, format string, records []models.CoefficientRecord) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(api.NewCoefficientViews(records))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIAGNOSTIC\tVALIDITY TIME\tNAME\tVALUE\tRUN")
	for _, rec := range records {
		run := "-"
		if rec.RunID != 0 {
			run = fmt.Sprint(rec.RunID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.Diagnostic, rec.ValidityTime.UTC().Format(time.RFC3339), rec.Name, formatValue(rec.Value), run)
	}
	return tw.Flush()
}

type RunsCmd struct {
	Limit int `help:"Number of runs to show." default:"20"`
}

func (c *RunsCmd) Run(g *Globals) error {
	s, closeDB, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	runs, err := s.GetRuns(c.Limit)
	if err != nil {
		return err
	}
	return writeRuns(os.Stdout, runs, time.Now())
}

func writeRuns(w io.Writer, runs []models.CalibrationRun, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tDIAGNOSTIC\tDISTRIBUTION\tPREDICTOR\tDATES\tSTATUS")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt.Valid {
			duration = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		status := r.Status
		if r.Error.Valid {
			status += ": " + strings.SplitN(r.Error.String, "\n", 2)[0]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, humanize.RelTime(r.StartedAt, now, "ago", "from now"), duration,
			r.Diagnostic, r.Distribution, r.PredictorMode, r.Dates, status)
	}
	return tw.Flush()
}
