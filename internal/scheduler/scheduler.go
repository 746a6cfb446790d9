// Package scheduler dispatches detection runs for active jobs on their own intervals.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/telhawk-systems/telhawk-sigma/internal/executor"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
	"github.com/telhawk-systems/telhawk-sigma/internal/metrics"
	"github.com/telhawk-systems/telhawk-sigma/internal/models"
)

// ErrRunInFlight is returned when a job already has a run in progress.
var ErrRunInFlight = errors.New("run already in flight")

// JobSource is read on every sync tick.
type JobSource interface {
	ListJobs(ctx context.Context, activeOnly bool) ([]*models.DetectionJob, error)
	GetJob(ctx context.Context, ruleName string) (*models.DetectionJob, error)
}

// Runner executes one run of a job.
type Runner interface {
	Run(ctx context.Context, job *models.DetectionJob) (*executor.Result, error)
}

type entry struct {
	interval time.Duration
	cancel   context.CancelFunc
}

type Scheduler struct {
	jobs          JobSource
	runner        Runner
	logger        *logging.Logger
	syncInterval  time.Duration
	slots         *semaphore.Weighted
	parseInterval func(string) (time.Duration, error)

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]bool
	wg       sync.WaitGroup
}

func New(jobs JobSource, runner Runner, logger *logging.Logger, syncInterval time.Duration, maxConcurrent int64) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		jobs:          jobs,
		runner:        runner,
		logger:        logger.With(logging.Component("scheduler")),
		syncInterval:  syncInterval,
		slots:         semaphore.NewWeighted(maxConcurrent),
		parseInterval: models.ParseInterval,
		entries:       make(map[string]*entry),
		inflight:      make(map[string]bool),
	}
}

// Run syncs the schedule immediately and then every sync interval until ctx is done.
// It returns after every job loop and in-flight run has finished.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "sync_interval", s.syncInterval.String())
	s.sync(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync reconciles running job loops with the active jobs in the store.
func (s *Scheduler) sync(ctx context.Context) {
	jobs, err := s.jobs.ListJobs(ctx, true)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list active jobs", logging.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		interval, err := s.parseInterval(job.TimeInterval)
		if err == nil && interval <= 0 {
			err = fmt.Errorf("non-positive interval %q", job.TimeInterval)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "skipping job with invalid interval",
				logging.RuleName(job.RuleName),
				logging.Error(err))
			continue
		}
		seen[job.RuleName] = true

		if e, ok := s.entries[job.RuleName]; ok {
			if e.interval == interval {
				continue
			}
			e.cancel()
			s.logger.InfoContext(ctx, "rescheduling job",
				logging.RuleName(job.RuleName),
				"interval", job.TimeInterval)
		}
		s.schedule(ctx, job.RuleName, interval)
	}

	for name, e := range s.entries {
		if !seen[name] {
			e.cancel()
			delete(s.entries, name)
			s.logger.InfoContext(ctx, "unscheduled job", logging.RuleName(name))
		}
	}
	metrics.ScheduledJobs.Set(float64(len(s.entries)))
}

// schedule starts a ticker loop for name. Caller holds s.mu.
func (s *Scheduler) schedule(ctx context.Context, name string, interval time.Duration) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.entries[name] = &entry{interval: interval, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if !s.begin(name) {
					metrics.SkippedTicks.Inc()
					s.logger.DebugContext(ctx, "previous run still in flight", logging.RuleName(name))
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer s.end(name)
					s.dispatch(ctx, name)
				}()
			}
		}
	}()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		e.cancel()
		delete(s.entries, name)
	}
	metrics.ScheduledJobs.Set(0)
}

func (s *Scheduler) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *Scheduler) end(name string) {
	s.mu.Lock()
	delete(s.inflight, name)
	s.mu.Unlock()
}

// dispatch waits for a run slot, re-reads the job and runs it if still active.
func (s *Scheduler) dispatch(ctx context.Context, name string) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.slots.Release(1)

	job, err := s.jobs.GetJob(ctx, name)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load job", logging.RuleName(name), logging.Error(err))
		return
	}
	if !job.Active {
		return
	}
	// Failures are logged by the runner and retried on the next tick.
	_, _ = s.runner.Run(ctx, job)
}

// RunNow runs name immediately regardless of its schedule or active flag.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*executor.Result, error) {
	job, err := s.jobs.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if !s.begin(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrRunInFlight)
	}
	defer s.end(name)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slots.Release(1)

	return s.runner.Run(ctx, job)
}

// HandleRunRequest serves run requests received from the message bus.
func (s *Scheduler) HandleRunRequest(ctx context.Context, msg *messaging.Message) error {
	var req messaging.RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}
	if req.RuleName == "" {
		return errors.New("run request without rule_name")
	}
	_, err := s.RunNow(ctx, req.RuleName)
	return err
}

// Scheduled returns the interval of every scheduled job.
func (s *Scheduler) Scheduled() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.interval
	}
	return out
}
