package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/internal/monitor"
)

type mockScanner struct {
	calls atomic.Int32
	at    atomic.Value
	err   error
}

func (m *mockScanner) Scan(_ context.Context, now time.Time) (*monitor.ScanReport, error) {
	m.calls.Add(1)
	m.at.Store(now)
	return &monitor.ScanReport{At: now}, m.err
}

type mockReclaimer struct {
	calls atomic.Int32
}

func (m *mockReclaimer) ReclaimStale(_ context.Context, _ time.Time) (int, error) {
	m.calls.Add(1)
	return 2, nil
}

// newTestScheduler returns a scheduler whose clock starts at t0.
func newTestScheduler(t *testing.T, jobs ...Job) (*Scheduler, time.Time) {
	t.Helper()
	s, err := NewScheduler(jobs, time.Hour, nil)
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	for _, e := range s.entries {
		e.status.NextRunAt = e.schedule.Next(t0)
	}
	return s, t0
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler([]Job{{Name: "bad", Spec: "not a cron", Run: func(context.Context, time.Time) error { return nil }}}, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestNewScheduler_DuplicateJob(t *testing.T) {
	noop := func(context.Context, time.Time) error { return nil }
	_, err := NewScheduler([]Job{
		{Name: "a", Spec: "* * * * *", Run: noop},
		{Name: "a", Spec: "*/5 * * * *", Run: noop},
	}, 0, nil)
	assert.Error(t, err)
}

func TestCalculateNextRun(t *testing.T) {
	s, err := NewScheduler(nil, 0, nil)
	require.NoError(t, err)
	from := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)

	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("* * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestRunDue_RunsOnlyDueJobs(t *testing.T) {
	scanner := &mockScanner{}
	reclaimer := &mockReclaimer{}
	s, t0 := newTestScheduler(t,
		MonitorJob("*/5 * * * *", scanner, discardLogger()),
		SweepJob("* * * * *", reclaimer, discardLogger()),
	)
	ctx := context.Background()

	assert.Empty(t, s.runDue(ctx, t0))

	started := s.runDue(ctx, t0.Add(time.Minute))
	s.running.Wait()
	assert.Equal(t, []string{"lease_sweep"}, started)
	assert.Equal(t, int32(0), scanner.calls.Load())
	assert.Equal(t, int32(1), reclaimer.calls.Load())

	at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	started = s.runDue(ctx, at)
	s.running.Wait()
	assert.ElementsMatch(t, []string{"monitor_scan", "lease_sweep"}, started)
	assert.Equal(t, int32(1), scanner.calls.Load())
	assert.Equal(t, at, scanner.at.Load())

	for _, st := range s.Jobs() {
		require.NotNil(t, st.LastRunAt)
		assert.Equal(t, "success", st.LastRunStatus)
		assert.True(t, st.NextRunAt.After(at))
	}
}

func TestRunDue_RecordsJobError(t *testing.T) {
	scanner := &mockScanner{err: errors.New("store down")}
	s, _ := newTestScheduler(t, MonitorJob("* * * * *", scanner, discardLogger()))

	s.runDue(context.Background(), time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	s.running.Wait()

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "error", jobs[0].LastRunStatus)
}

func TestRunDue_SkipsJobStillInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := Job{Name: "slow", Spec: "* * * * *", Run: func(ctx context.Context, _ time.Time) error {
		calls.Add(1)
		<-release
		return nil
	}}
	s, t0 := newTestScheduler(t, blocking)
	ctx := context.Background()

	assert.Equal(t, []string{"slow"}, s.runDue(ctx, t0.Add(time.Minute)))
	assert.Empty(t, s.runDue(ctx, t0.Add(2*time.Minute)), "in-flight job is not started twice")

	close(release)
	s.running.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	var runs int
	job := Job{Name: "tick", Spec: "* * * * *", Run: func(context.Context, time.Time) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}}
	s, err := NewScheduler([]Job{job}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	base := time.Now().UTC()
	var step atomic.Int64
	s.now = func() time.Time { return base.Add(time.Duration(step.Add(1)) * time.Minute) }

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
