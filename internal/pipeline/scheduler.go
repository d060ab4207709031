package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// WalletLoader returns the wallet list for a scheduled run. It is called on
// every tick so edits to the list file are picked up without a restart.
type WalletLoader func(ctx context.Context) ([]string, error)

// Scheduler re-runs the pipeline on a cron schedule. Specs accept an
// optional leading seconds field and descriptors such as "@hourly".
type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	schedule cron.Schedule
	runner   *Runner
	load     WalletLoader
	logger   *slog.Logger
	baseCtx  context.Context
}

// NewScheduler creates a scheduler. Call Schedule then Start.
func NewScheduler(baseCtx context.Context, runner *Runner, load WalletLoader, logger *slog.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		runner:  runner,
		load:    load,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Schedule registers the re-scoring job.
func (s *Scheduler) Schedule(spec string) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid rescore schedule %q: %w", spec, err)
	}
	s.schedule = sched
	s.cron.Schedule(sched, cron.FuncJob(func() { s.Tick(s.baseCtx) }))
	return nil
}

// Interval returns the gap between the two scheduled runs following from,
// or 0 before Schedule has been called.
func (s *Scheduler) Interval(from time.Time) time.Duration {
	if s.schedule == nil {
		return 0
	}
	next := s.schedule.Next(from)
	return s.schedule.Next(next).Sub(next)
}

// Tick performs one scheduled run. A tick that lands while another run is in
// progress is skipped rather than queued.
func (s *Scheduler) Tick(ctx context.Context) {
	wallets, err := s.load(ctx)
	if err != nil {
		s.logger.Error("scheduled run: load wallets failed", "error", err)
		return
	}
	res, err := s.runner.TryRun(ctx, wallets)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("scheduled run skipped, run in progress")
	case err != nil && res == nil:
		s.logger.Error("scheduled run failed", "error", err)
	case err != nil:
		s.logger.Warn("scheduled run finished with sink errors", "run_id", res.RunID, "error", err)
	default:
		s.logger.Info("scheduled run finished", "run_id", res.RunID, "wallets", len(res.Rows))
	}
}

// Start begins executing scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("rescore scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("rescore scheduler stopped")
}
