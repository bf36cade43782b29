// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
)

// Job is a unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob wraps fn as a Job.
func NewJob(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Config holds scheduler configuration
type Config struct {
	// Timeout bounds a single job run; zero means no bound
	Timeout time.Duration
	Logger  *observability.Logger
}

// Scheduler manages background jobs. A job that is still running when its
// next tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. Schedules use the standard five-field syntax or
// descriptors such as "@every 30m".
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  cfg.Logger.Component("scheduler"),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under schedule.
func (s *Scheduler) Add(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		_ = s.run(s.ctx, job)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[job.Name()] = id
	s.mu.Unlock()

	s.logger.LogInfo(s.ctx, "job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.LogInfo(s.ctx, "scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.LogInfo(context.Background(), "scheduler stopped")
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	return s.run(ctx, job)
}

// Next returns the next activation of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.LogDebug(ctx, "running job", "job", job.Name())

	err := job.Run(ctx)
	if err != nil {
		s.logger.LogError(ctx, "job failed", err, "job", job.Name(), "duration_ms", time.Since(start).Milliseconds())
		return err
	}

	s.logger.LogDebug(ctx, "job completed", "job", job.Name(), "duration_ms", time.Since(start).Milliseconds())
	return nil
}
