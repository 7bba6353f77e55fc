// Package scheduler runs recurring observation runs on cron schedules.
// Scheduled runs are always forced to dry-run: unattended transmission is
// never allowed, so a schedule can only listen and analyze.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// RunStarter is the interface the scheduler uses to launch observation runs.
// Satisfied by the CLI run supervisor (avoids an engine import cycle).
type RunStarter interface {
	StartObservation(ctx context.Context, cfg schema.RunConfig) error
}

// Job is one scheduled observation run.
type Job struct {
	ID            string
	CronExpr      string
	Config        schema.RunConfig
	LastRunAt     *time.Time
	NextRunAt     time.Time
	LastRunStatus string
}

// Scheduler keeps an in-memory job table and fires due jobs once a minute.
type Scheduler struct {
	runner RunStarter
	parser cron.Parser
	clock  clockwork.Clock
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobs map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(runner RunStarter, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:    clock,
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a scheduled observation run. The config is forced to
// dry-run regardless of what the caller set.
func (s *Scheduler) AddJob(id, cronExpr string, cfg schema.RunConfig) error {
	next, err := s.CalculateNextRun(cronExpr, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	cfg.DryRun = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %q already registered", id)
	}
	s.jobs[id] = &Job{ID: id, CronExpr: cronExpr, Config: cfg, NextRunAt: next}
	return nil
}

// RemoveJob drops a job from the table.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Jobs returns a snapshot of the job table.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick runs every due job once.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled observation",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(job.ID)
	}
}

// runJob launches one observation run and updates the job's timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.logger.Info("running scheduled observation",
		slog.String("job_id", job.ID),
		slog.String("band", string(job.Config.Band)),
	)

	err := s.runner.StartObservation(ctx, job.Config)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled observation failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.CalculateNextRun(job.CronExpr, now)
	if nerr != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, nerr)
	}

	s.mu.Lock()
	job.LastRunAt = &now
	job.NextRunAt = next
	job.LastRunStatus = status
	s.mu.Unlock()
	return err
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. The lock is released before
// waiting on the loop: a tick in flight needs it to snapshot the job table.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
