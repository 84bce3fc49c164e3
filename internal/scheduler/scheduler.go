package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"crm-worker/internal/lock"
	"crm-worker/internal/telemetry"
)

// JobFunc is one job body. Errors are recorded for metrics and health; they
// never stop the scheduler loop.
type JobFunc func(ctx context.Context) error

// Locker is the mutual-exclusion capability the scheduler needs.
// *lock.Manager implements it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string)
}

var _ Locker = (*lock.Manager)(nil)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type entry struct {
	name     string
	schedule cronlib.Schedule
	lockTTL  time.Duration
	run      JobFunc

	mu      sync.Mutex
	running bool
	nextRun time.Time
	lastRun time.Time
	lastErr string
	runs    uint64
}

// JobStatus is one job's in-process view for the health endpoint.
type JobStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	Runs      uint64     `json:"runs"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRun   time.Time  `json:"next_run"`
}

// Scheduler fires named jobs on their schedules. Every firing is wrapped in a
// lock acquisition so that with multiple worker instances exactly one runs a
// given tick; losing that race is the expected steady state, not an error.
type Scheduler struct {
	locks  Locker
	logger *slog.Logger
	tick   time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due entries are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.clock = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler.
func New(locks Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		locks:  locks,
		logger: slog.Default(),
		tick:   time.Second,
		clock:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a named job. spec is a robfig/cron expression ("0 3 * * *")
// or descriptor ("@every 30s"). lockTTL should exceed the job's expected run
// time by a safety margin.
func (s *Scheduler) Register(name, spec string, lockTTL time.Duration, fn JobFunc) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		name:     name,
		schedule: sched,
		lockTTL:  lockTTL,
		run:      fn,
		nextRun:  sched.Next(s.clock()),
	})
	return nil
}

// Run drives the tick loop until the context is cancelled, then waits for any
// in-flight job bodies.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick), slog.Int("jobs", len(s.entries)))
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.runDue(ctx, s.clock())
		}
	}
}

// runDue starts every due, not-already-running entry on its own goroutine.
// Jobs are independent; none blocks another.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		due := !e.running && !now.Before(e.nextRun)
		if due {
			e.nextRun = e.schedule.Next(now)
			e.running = true
		}
		e.mu.Unlock()
		if !due {
			continue
		}
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			s.runJob(ctx, e)
		}(e)
	}
}

func (s *Scheduler) runJob(ctx context.Context, e *entry) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	lockName := "job:" + e.name
	held, err := s.locks.Acquire(ctx, lockName, e.lockTTL)
	if err != nil {
		telemetry.JobErrors.WithLabelValues(e.name).Inc()
		s.logger.Error("job lock acquire failed", slog.String("job", e.name), slog.Any("error", err))
		return
	}
	if !held {
		// Another instance is running this tick.
		telemetry.JobLockSkips.WithLabelValues(e.name).Inc()
		s.logger.Debug("tick skipped, lock held elsewhere", slog.String("job", e.name))
		return
	}
	defer s.locks.Release(ctx, lockName)

	s.execute(ctx, e)
}

// execute runs the job body with panic containment and records the outcome.
func (s *Scheduler) execute(ctx context.Context, e *entry) {
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = e.run(ctx)
	}()

	finished := s.clock()
	e.mu.Lock()
	e.lastRun = finished
	e.runs++
	if runErr != nil {
		e.lastErr = runErr.Error()
	} else {
		e.lastErr = ""
	}
	e.mu.Unlock()

	telemetry.JobRuns.WithLabelValues(e.name).Inc()
	telemetry.JobLastRun.WithLabelValues(e.name).Set(float64(finished.Unix()))
	if runErr != nil {
		telemetry.JobErrors.WithLabelValues(e.name).Inc()
		s.logger.Error("job run failed", slog.String("job", e.name), slog.Any("error", runErr))
	}
}

// Snapshot reports every job's in-process state for the health endpoint.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := JobStatus{
			Name:      e.name,
			Running:   e.running,
			Runs:      e.runs,
			LastError: e.lastErr,
			NextRun:   e.nextRun,
		}
		if !e.lastRun.IsZero() {
			lr := e.lastRun
			st.LastRun = &lr
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}
