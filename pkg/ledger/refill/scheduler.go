package refill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Scheduler runs RefillAll on a cron schedule.
//
// Sweeps may overlap when one outlasts the interval; the per-endpoint atomic
// refill keeps that safe, so no sweep-level lock is taken.
type Scheduler struct {
	refiller   *Refiller
	schedule   string
	runOnStart bool

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	done    chan struct{} // closed by Stop; retires the context watcher
	running bool
	logger  *slog.Logger
	last    *SweepSummary
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger.With("component", "ledger.refill.scheduler") }
}

// WithRunOnStart runs one sweep as soon as the scheduler starts.
func WithRunOnStart(enabled bool) SchedulerOption {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// NewScheduler creates a scheduler for refiller. An empty schedule uses
// DefaultSchedule. The schedule is a standard five-field cron expression or
// a descriptor such as "@hourly" or "@every 30s".
func NewScheduler(refiller *Refiller, schedule string, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid refill schedule %q: %w", schedule, err)
	}
	s := &Scheduler{
		refiller: refiller,
		schedule: schedule,
		logger:   slog.Default().With("component", "ledger.refill.scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = s.newCron()
	return s, nil
}

func (s *Scheduler) newCron() *cron.Cron {
	return cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
}

// Start schedules the sweep. Jobs run with ctx; the scheduler stops when ctx
// is done. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	id, err := s.cron.AddFunc(s.schedule, func() { s.runSweep(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule refill sweep: %w", err)
	}
	s.entry = id
	s.ctx = ctx
	s.done = make(chan struct{})
	s.cron.Start()
	s.running = true

	s.logger.Info("refill scheduler started", "schedule", s.schedule)

	if s.runOnStart {
		go s.runSweep(ctx)
	}

	go s.stopOnDone(ctx, s.done)

	return nil
}

// stopOnDone stops the run identified by done when ctx ends first.
func (s *Scheduler) stopOnDone(ctx context.Context, done chan struct{}) {
	select {
	case <-ctx.Done():
		s.stopRun(done)
	case <-done:
	}
}

// runSweep executes one sweep and logs its result.
func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary := s.refiller.RefillAll(ctx)

	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()

	if err := summary.Err(); err != nil {
		s.logger.Error("scheduled refill sweep had failures",
			"failed", len(summary.Failures),
			"error", err,
		)
		return
	}
	if summary.Refilled > 0 {
		s.logger.Info("scheduled refill sweep completed",
			"refilled", summary.Refilled,
			"checked", summary.Checked,
			"duration", summary.Duration,
		)
	}
}

// RunNow runs one sweep synchronously, independent of the schedule.
func (s *Scheduler) RunNow(ctx context.Context) *SweepSummary {
	summary := s.refiller.RefillAll(ctx)
	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()
	return summary
}

// Reschedule replaces the schedule. A running scheduler picks it up
// immediately; sweeps already in flight finish undisturbed.
func (s *Scheduler) Reschedule(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid refill schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule == s.schedule {
		return nil
	}
	if s.running {
		ctx := s.ctx
		id, err := s.cron.AddFunc(schedule, func() { s.runSweep(ctx) })
		if err != nil {
			return fmt.Errorf("failed to schedule refill sweep: %w", err)
		}
		s.cron.Remove(s.entry)
		s.entry = id
	}
	s.logger.Info("refill schedule changed", "from", s.schedule, "to", schedule)
	s.schedule = schedule
	return nil
}

// Stop stops the scheduler and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	s.stopRun(nil)
}

// stopRun stops the current run. A non-nil done restricts it to the run
// that owns that channel.
func (s *Scheduler) stopRun(done chan struct{}) {
	s.mu.Lock()
	if !s.running || (done != nil && s.done != done) {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.done = nil
	c := s.cron
	s.cron = s.newCron()
	s.mu.Unlock()

	// Waiting outside the lock lets in-flight sweeps record their summary.
	<-c.Stop().Done()
	s.logger.Info("refill scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule returns the active schedule.
func (s *Scheduler) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entry := s.cron.Entry(s.entry)
	if !entry.Valid() {
		return nil
	}
	next := entry.Next
	return &next
}

// LastSweep returns the summary of the most recent sweep, or nil.
func (s *Scheduler) LastSweep() *SweepSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
