package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"upcoach-sync/internal/platform/metrics"
)

// JobFunc is a scheduled unit of work.
type JobFunc func(ctx context.Context) error

// CronJobID identifies a cron job.
type CronJobID = cron.EntryID

// TickerJobID identifies an interval job.
type TickerJobID int

// OverlapPolicy decides what happens when a job fires while still running.
type OverlapPolicy int

const (
	// AllowOverlap runs executions in parallel (default).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning drops the execution.
	SkipIfRunning
	// DelayIfRunning waits for the running execution to finish.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	}
	return "allow"
}

// JobOptions configures a job.
type JobOptions struct {
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
	// RunOnStart runs the job once when the scheduler starts.
	RunOnStart bool
}

type jobWrapper struct {
	job     JobFunc
	options JobOptions
	running sync.Mutex
}

type tickerJob struct {
	id      TickerJobID
	cancel  context.CancelFunc
	wrapper *jobWrapper
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

// parser accepts standard five field specs, an optional leading seconds
// field and descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a valid cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// JobHooks observe job executions. All are optional.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
	OnJobError  func(jobName string, err error)
}

// Config configures Scheduler.
type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
	// Metrics counts executions per job and outcome.
	Metrics *metrics.Metrics
}

// Scheduler runs cron and interval jobs until stopped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	hooks   JobHooks
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	tickerJobs   map[TickerJobID]*tickerJob
	nextTickerID TickerJobID
	onStart      []*jobWrapper

	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates a scheduler bound to context.Background.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext creates a scheduler that stops when parent is done.
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger{logger: logger.With("component", "cron")}),
		),
		logger:       logger,
		hooks:        cfg.JobHooks,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		tickerJobs:   make(map[TickerJobID]*tickerJob),
		nextTickerID: 1,
	}
}

// AddCronJob schedules job with default options. Examples:
//   - "*/15 * * * *" every 15 minutes
//   - "0 30 * * * *" at second 0 of minute 30 of every hour
//   - "@every 5m"
func (s *Scheduler) AddCronJob(schedule string, job JobFunc) (CronJobID, error) {
	return s.AddCronJobWithOptions(schedule, job, JobOptions{})
}

// AddCronJobWithOptions schedules job on a cron spec.
func (s *Scheduler) AddCronJobWithOptions(schedule string, job JobFunc, opts JobOptions) (CronJobID, error) {
	w := &jobWrapper{job: job, options: opts}

	id, err := s.cron.AddFunc(schedule, func() { s.run(w) })
	if err != nil {
		s.logger.Error("failed to add cron job", "schedule", schedule, "name", opts.Name, "error", err)
		return 0, err
	}
	s.queueOnStart(w)

	s.logger.Info("cron job added", "schedule", schedule, "name", opts.Name, "overlap_policy", opts.OverlapPolicy.String(), "id", id)
	return id, nil
}

// AddTickerJob runs job every interval with default options.
func (s *Scheduler) AddTickerJob(interval time.Duration, job JobFunc) TickerJobID {
	return s.AddTickerJobWithOptions(interval, job, JobOptions{})
}

// AddTickerJobWithOptions runs job every interval. The ticker starts
// immediately, independent of Start.
func (s *Scheduler) AddTickerJobWithOptions(interval time.Duration, job JobFunc, opts JobOptions) TickerJobID {
	w := &jobWrapper{job: job, options: opts}

	s.mu.Lock()
	id := s.nextTickerID
	s.nextTickerID++
	ctx, cancel := context.WithCancel(s.ctx)
	s.tickerJobs[id] = &tickerJob{id: id, cancel: cancel, wrapper: w}
	s.mu.Unlock()
	s.queueOnStart(w)

	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		defer cancel()

		for {
			select {
			case <-ticker.C:
				s.run(w)
			case <-ctx.Done():
				s.logger.Debug("ticker job stopped", "name", opts.Name, "id", id)
				return
			}
		}
	}()

	s.logger.Info("ticker job added", "interval", interval, "name", opts.Name, "overlap_policy", opts.OverlapPolicy.String(), "id", id)
	return id
}

func (s *Scheduler) queueOnStart(w *jobWrapper) {
	if !w.options.RunOnStart {
		return
	}
	s.mu.Lock()
	s.onStart = append(s.onStart, w)
	s.mu.Unlock()
}

// RemoveCronJob unschedules a cron job.
func (s *Scheduler) RemoveCronJob(id CronJobID) {
	s.cron.Remove(id)
	s.logger.Info("cron job removed", "id", id)
}

// RemoveTickerJob stops an interval job. It reports whether id existed.
func (s *Scheduler) RemoveTickerJob(id TickerJobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.tickerJobs[id]
	if !ok {
		return false
	}
	job.cancel()
	delete(s.tickerJobs, id)

	s.logger.Info("ticker job removed", "id", id, "name", job.wrapper.options.Name)
	return true
}

// Start starts the cron loop and the RunOnStart jobs. Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		s.mu.Lock()
		initial := s.onStart
		s.onStart = nil
		s.mu.Unlock()
		for _, w := range initial {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.run(w)
			}()
		}

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	if !s.IsRunning() {
		return
	}
	s.logger.Info("stopping scheduler")
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext is Stop bounded by ctx. When ctx expires first it still
// waits for the shutdown to finish but returns ctx.Err().
func (s *Scheduler) StopContext(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.logger.Info("stopping scheduler with deadline")
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, job := range s.tickerJobs {
		job.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// run executes one job applying its overlap policy, timeout and hooks.
func (s *Scheduler) run(w *jobWrapper) {
	name := w.options.Name
	if name == "" {
		name = "unnamed"
	}

	switch w.options.OverlapPolicy {
	case SkipIfRunning:
		if !w.running.TryLock() {
			s.logger.Info("skipping job, previous run still active", "name", name)
			return
		}
		defer w.running.Unlock()
	case DelayIfRunning:
		w.running.Lock()
		defer w.running.Unlock()
	}

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	ctx := s.ctx
	if w.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, w.options.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.call(ctx, w.job, name)
	duration := time.Since(start)

	s.metrics.ObserveJob(name, err)
	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, duration, err)
	}
	if err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", duration)
		if s.hooks.OnJobError != nil {
			s.hooks.OnJobError(name, err)
		}
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}

// call runs job, turning a panic into an error.
func (s *Scheduler) call(ctx context.Context, job JobFunc, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "name", name, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// IsRunning reports whether the scheduler has not been stopped.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}
