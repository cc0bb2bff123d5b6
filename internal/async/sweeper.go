package async

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/repository"
)

// SweepConfig controls which submissions a sweep picks up.
type SweepConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string
	// MinAge skips submissions touched more recently than this; they are likely still with a worker.
	MinAge time.Duration
	// Batch caps how many submissions one sweep enqueues per query.
	Batch int
}

// Sweeper periodically re-enqueues stranded submissions and completed ones still missing a report.
type Sweeper struct {
	repo   repository.SubmissionRepository
	queue  Queue
	cfg    SweepConfig
	logger *slog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

func NewSweeper(repo repository.SubmissionRepository, queue Queue, cfg SweepConfig, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("failed to parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		repo:   repo,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger))),
	}, nil
}

// Start runs a sweep immediately and then on the schedule until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.sweep(ctx)
	s.cron.Start()
	s.logger.Info("sweeper.started", "schedule", s.cfg.Schedule, "min_age", s.cfg.MinAge)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper.stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("sweeper.run.failed", "error", err)
	}
}

// RunOnce enqueues every stranded submission and returns how many were enqueued.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MinAge)

	stale, err := s.repo.ListStale(ctx, constants.ActiveStatuses(), cutoff, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale submissions: %w", err)
	}
	missing, err := s.repo.ListMissingReports(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list submissions missing reports: %w", err)
	}

	n := 0
	for _, sub := range append(stale, missing...) {
		reason := "sweep"
		if sub.Status == constants.StatusCompleted {
			reason = "sweep_report"
		}
		if err := s.queue.Enqueue(ctx, Job{SubmissionID: sub.ID, Reason: reason}); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", sub.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("sweeper.enqueued", "count", n, "stale", len(stale), "missing_reports", len(missing))
	}
	return n, nil
}
