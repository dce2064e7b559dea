// Package cron runs the archive retention job on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentrun/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors like @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Pruner deletes archive rows older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration, now time.Time) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Pruner    Pruner
	Schedule  string
	Retention time.Duration
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler checks on every tick whether the prune schedule is due.
type Scheduler struct {
	pruner    Pruner
	schedule  cronlib.Schedule
	expr      string
	retention time.Duration
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time
	runs    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Pruner == nil {
		return nil, fmt.Errorf("cron: pruner is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pruner:    cfg.Pruner,
		schedule:  sched,
		expr:      cfg.Schedule,
		retention: cfg.Retention,
		logger:    logger,
		interval:  interval,
	}, nil
}

// Start prunes once, then keeps pruning on schedule until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "retention", s.retention)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun returns when the next prune is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Runs returns how many prune passes have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !now.Before(s.NextRun()) {
				s.fire(ctx, now)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	res, err := s.pruner.Prune(ctx, s.retention, now)
	next := s.schedule.Next(now)

	s.mu.Lock()
	s.nextRun = next
	s.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: archive prune failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("cron: archive pruned",
		"purged_tasks", res.PurgedTasks,
		"purged_confirmations", res.PurgedConfirmations,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
