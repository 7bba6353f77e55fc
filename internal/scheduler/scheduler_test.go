package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonrf/txgate/pkg/schema"
)

type fakeRunner struct {
	mu      sync.Mutex
	configs []schema.RunConfig
	err     error
}

func (f *fakeRunner) StartObservation(_ context.Context, cfg schema.RunConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return f.err
}

func (f *fakeRunner) calls() []schema.RunConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]schema.RunConfig, len(f.configs))
	copy(cp, f.configs)
	return cp
}

func newTestScheduler(runner RunStarter) (*Scheduler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(runner, clock, logger), clock
}

func TestCalculateNextRun(t *testing.T) {
	s, clock := newTestScheduler(&fakeRunner{})

	next, err := s.CalculateNextRun("*/5 * * * *", clock.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", clock.Now().UTC())
	assert.Error(t, err)
}

func TestAddJob_RejectsBadCronAndDuplicates(t *testing.T) {
	s, _ := newTestScheduler(&fakeRunner{})

	require.NoError(t, s.AddJob("nightly", "0 2 * * *", schema.DefaultRunConfig()))
	assert.Error(t, s.AddJob("nightly", "0 2 * * *", schema.DefaultRunConfig()))
	assert.Error(t, s.AddJob("broken", "banana", schema.DefaultRunConfig()))
}

func TestAddJob_ForcesDryRun(t *testing.T) {
	runner := &fakeRunner{}
	s, clock := newTestScheduler(runner)

	cfg := schema.DefaultRunConfig()
	cfg.DryRun = false
	require.NoError(t, s.AddJob("hourly", "0 * * * *", cfg))

	clock.Advance(time.Hour)
	s.tick(context.Background())

	calls := runner.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].DryRun, "scheduled runs must never transmit")
}

func TestTick_RunsDueJobsAndReschedules(t *testing.T) {
	runner := &fakeRunner{}
	s, clock := newTestScheduler(runner)

	require.NoError(t, s.AddJob("j1", "*/5 * * * *", schema.DefaultRunConfig()))

	// Not due yet.
	s.tick(context.Background())
	assert.Empty(t, runner.calls())

	clock.Advance(5 * time.Minute)
	s.tick(context.Background())
	require.Len(t, runner.calls(), 1)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "success", jobs[0].LastRunStatus)
	assert.True(t, jobs[0].NextRunAt.After(clock.Now().UTC()))

	// Same tick again: rescheduled into the future, no second run.
	s.tick(context.Background())
	assert.Len(t, runner.calls(), 1)
}

func TestTick_RecordsFailureStatus(t *testing.T) {
	runner := &fakeRunner{err: errors.New("radio unavailable")}
	s, clock := newTestScheduler(runner)

	require.NoError(t, s.AddJob("j1", "*/5 * * * *", schema.DefaultRunConfig()))
	clock.Advance(5 * time.Minute)
	s.tick(context.Background())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "error", jobs[0].LastRunStatus)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(&fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestStop_ReturnsWhileTicksContend(t *testing.T) {
	s, _ := newTestScheduler(&fakeRunner{})
	require.NoError(t, s.AddJob("j1", "* * * * *", schema.DefaultRunConfig()))

	// The loop's initial tick races Stop for the job-table lock; cycling
	// amplifies the contention. Stop must never wait on the loop while
	// holding that lock.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Start(context.Background()))

		done := make(chan error, 1)
		go func() { done <- s.Stop() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Stop did not return while a tick held the job-table lock")
		}
	}
}

func TestRemoveJob(t *testing.T) {
	s, _ := newTestScheduler(&fakeRunner{})
	require.NoError(t, s.AddJob("j1", "0 * * * *", schema.DefaultRunConfig()))
	s.RemoveJob("j1")
	assert.Empty(t, s.Jobs())
}
