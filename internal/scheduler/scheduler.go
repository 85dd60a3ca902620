// Package scheduler runs the periodic operations jobs in-process: the
// deadline monitor scan and the stale-lease sweep. It is optional; the same
// jobs can be triggered externally over HTTP or the CLI.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/monitor"
)

// Config holds the scheduler settings.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	MonitorCron string        `mapstructure:"monitor_cron"`
	SweepCron   string        `mapstructure:"sweep_cron"`
	Tick        time.Duration `mapstructure:"tick"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MonitorCron: "*/5 * * * *",
		SweepCron:   "* * * * *",
		Tick:        15 * time.Second,
	}
}

// Scanner runs one deadline scan. *monitor.Monitor satisfies it.
type Scanner interface {
	Scan(ctx context.Context, now time.Time) (*monitor.ScanReport, error)
}

// Reclaimer returns expired leases to the queue. *queue.Dispatcher satisfies it.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, now time.Time) (int, error)
}

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context, now time.Time) error

// Job is a named cron job.
type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

// MonitorJob wraps a Scanner as a job.
func MonitorJob(spec string, s Scanner, logger *slog.Logger) Job {
	return Job{Name: "monitor_scan", Spec: spec, Run: func(ctx context.Context, now time.Time) error {
		report, err := s.Scan(ctx, now)
		if report != nil && len(report.Alerts) > 0 {
			logger.Info("monitor scan finished",
				slog.Int("executions", report.Executions),
				slog.Int("alerts", len(report.Alerts)))
		}
		return err
	}}
}

// SweepJob wraps a Reclaimer as a job.
func SweepJob(spec string, r Reclaimer, logger *slog.Logger) Job {
	return Job{Name: "lease_sweep", Spec: spec, Run: func(ctx context.Context, now time.Time) error {
		n, err := r.ReclaimStale(ctx, now)
		if n > 0 {
			logger.Info("reclaimed stale leases", slog.Int("count", n))
		}
		return err
	}}
}

// JobStatus is the observable state of one job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler checks its jobs on every tick and runs the ones that are due.
// A job still running from an earlier tick is not started again.
type Scheduler struct {
	entries []*entry
	tick    time.Duration
	parser  cron.Parser
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler parses every job spec and creates a Scheduler.
func NewScheduler(jobs []Job, tick time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if tick <= 0 {
		tick = DefaultConfig().Tick
	}
	s := &Scheduler{
		tick:     tick,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logging.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	start := s.now()
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.Name] {
			return nil, fmt.Errorf("duplicate job %q", job.Name)
		}
		seen[job.Name] = true
		schedule, err := s.parser.Parse(job.Spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q for job %q: %w", job.Spec, job.Name, err)
		}
		s.entries = append(s.entries, &entry{
			job:      job,
			schedule: schedule,
			status:   JobStatus{Name: job.Name, Spec: job.Spec, NextRunAt: schedule.Next(start)},
		})
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.entries)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Wait()
			return
		case <-ticker.C:
			s.runDue(ctx, s.now())
		}
	}
}

// runDue starts every job whose next run is at or before now. It returns
// the names of the jobs it started.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) []string {
	var started []string
	for _, e := range s.entries {
		s.mu.Lock()
		due := !e.status.NextRunAt.After(now)
		s.mu.Unlock()
		if !due {
			continue
		}
		if !s.tryAcquire(e.job.Name) {
			continue
		}
		started = append(started, e.job.Name)
		s.running.Add(1)
		go func(e *entry) {
			defer s.running.Done()
			defer s.releaseJob(e.job.Name)
			s.runJob(ctx, e, now)
		}(e)
	}
	return started
}

// runJob executes a job and updates its status.
func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) {
	status := "success"
	if err := e.job.Run(ctx, now); err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.status.LastRunAt = &now
	e.status.LastRunStatus = status
	e.status.NextRunAt = e.schedule.Next(now)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Jobs returns a snapshot of every job's status.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.status
	}
	return out
}

// Stop gracefully shuts down the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}
