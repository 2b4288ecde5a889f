// Package sweep periodically removes expired rows from the response cache.
// Reads already ignore expired entries; the sweep only reclaims their space.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Clearer is the part of the cache the scheduler needs.
type Clearer interface {
	Clear(ctx context.Context, expiredOnly bool) (int64, error)
}

// Scheduler runs expired-entry sweeps on a cron schedule.
type Scheduler struct {
	cache    Clearer
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a scheduler. Schedules use standard cron syntax or
// descriptors such as "@hourly" and "@every 30m".
func NewScheduler(cache Clearer, schedule string) *Scheduler {
	return &Scheduler{
		cache:    cache,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "cache.sweep"),
	}
}

// Start schedules the sweep. An empty schedule is a no-op. The scheduler
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("cache sweep scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce sweeps immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.cache.Clear(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return n, nil
}

func (s *Scheduler) run(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduled sweep completed", "deleted_count", n)
	} else {
		s.logger.Debug("scheduled sweep completed, nothing expired")
	}
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("cache sweep scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
