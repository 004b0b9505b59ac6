package runner

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Scheduler repeats a job on a fixed interval. Failures are logged and the
// next tick runs the job again.
type Scheduler struct {
	runner   *Runner
	job      Job
	interval time.Duration
	clock    clockwork.Clock
}

func NewScheduler(r *Runner, job Job, interval time.Duration) *Scheduler {
	return &Scheduler{runner: r, job: job, interval: interval, clock: r.clock}
}

// Run runs the job immediately and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: shutting down")
			return
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.runner.Run(ctx, s.job)
	if err != nil {
		log.Error().Err(err).Str("current", s.job.Current).Msg("scheduled calibration failed")
		return
	}
	log.Info().
		Int64("run_id", report.Run.ID).
		Int("dates", report.Run.Dates).
		Dur("next_in", s.interval).
		Msg("scheduled calibration finished")
}
