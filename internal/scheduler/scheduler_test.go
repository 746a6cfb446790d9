package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/executor"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
	"github.com/telhawk-systems/telhawk-sigma/internal/service"
)

type countingRunner struct {
	mu        sync.Mutex
	runs      map[string]int
	running   map[string]int
	maxPerJob int
	active    int
	maxActive int
	hold      time.Duration
	gate      chan struct{}
}

func newCountingRunner() *countingRunner {
	return &countingRunner{runs: make(map[string]int), running: make(map[string]int)}
}

func (r *countingRunner) Run(ctx context.Context, job *models.DetectionJob) (*executor.Result, error) {
	r.mu.Lock()
	r.runs[job.RuleName]++
	r.running[job.RuleName]++
	r.active++
	r.maxPerJob = max(r.maxPerJob, r.running[job.RuleName])
	r.maxActive = max(r.maxActive, r.active)
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
		}
	}
	time.Sleep(r.hold)

	r.mu.Lock()
	r.running[job.RuleName]--
	r.active--
	r.mu.Unlock()
	return &executor.Result{RuleName: job.RuleName}, nil
}

func (r *countingRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

// fastIntervals maps each minute of a job interval to 10ms.
func fastIntervals(s string) (time.Duration, error) {
	d, err := models.ParseInterval(s)
	if err != nil {
		return 0, err
	}
	return d / time.Minute * 10 * time.Millisecond, nil
}

func setup(t *testing.T, runner Runner, maxConcurrent int64) (*Scheduler, *service.Service) {
	t.Helper()
	svc := service.NewService(repository.NewInMemoryRepository())
	s := New(svc, runner, logging.Discard(), 20*time.Millisecond, maxConcurrent)
	s.parseInterval = fastIntervals
	return s, svc
}

func createJob(t *testing.T, svc *service.Service, name, interval string, active bool) {
	t.Helper()
	_, err := svc.CreateJob(context.Background(), &models.CreateJobRequest{
		RuleName:     name,
		RuleQuery:    "EventID:1",
		Active:       active,
		TimeInterval: interval,
	})
	require.NoError(t, err)
}

func start(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func TestScheduler_RunsOnlyActiveJobs(t *testing.T) {
	runner := newCountingRunner()
	s, svc := setup(t, runner, 4)
	createJob(t, svc, "active", "1m", true)
	createJob(t, svc, "inactive", "1m", false)

	cancel, done := start(t, s)
	assert.Eventually(t, func() bool { return runner.count("active") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, runner.count("inactive"))
}

func TestScheduler_ActivationTakesEffectNextSync(t *testing.T) {
	runner := newCountingRunner()
	s, svc := setup(t, runner, 4)
	createJob(t, svc, "R1", "1m", false)
	ctx := context.Background()

	cancel, done := start(t, s)
	defer func() {
		cancel()
		<-done
	}()

	_, err := svc.SetActive(ctx, "R1", true)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return runner.count("R1") > 0 }, time.Second, 5*time.Millisecond)

	_, err = svc.SetActive(ctx, "R1", false)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := s.Scheduled()["R1"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_IntervalChangeReschedules(t *testing.T) {
	runner := newCountingRunner()
	s, svc := setup(t, runner, 4)
	createJob(t, svc, "R1", "5m", true)

	cancel, done := start(t, s)
	defer func() {
		cancel()
		<-done
	}()

	assert.Eventually(t, func() bool { return s.Scheduled()["R1"] == 50*time.Millisecond }, time.Second, 5*time.Millisecond)

	_, err := svc.SetInterval(context.Background(), "R1", "2m")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.Scheduled()["R1"] == 20*time.Millisecond }, time.Second, 5*time.Millisecond)
}

func TestScheduler_AtMostOneRunPerJob(t *testing.T) {
	runner := newCountingRunner()
	runner.hold = 80 * time.Millisecond
	s, svc := setup(t, runner, 4)
	createJob(t, svc, "slow", "1m", true)

	cancel, done := start(t, s)
	assert.Eventually(t, func() bool { return runner.count("slow") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.maxPerJob)
}

func TestScheduler_BoundsConcurrentRuns(t *testing.T) {
	runner := newCountingRunner()
	runner.hold = 30 * time.Millisecond
	s, svc := setup(t, runner, 2)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		createJob(t, svc, name, "1m", true)
	}

	cancel, done := start(t, s)
	assert.Eventually(t, func() bool {
		return runner.count("a") > 0 && runner.count("e") > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.maxActive, 2)
}

func TestScheduler_RunNow(t *testing.T) {
	runner := newCountingRunner()
	s, svc := setup(t, runner, 1)
	createJob(t, svc, "manual", "1d", false)

	result, err := s.RunNow(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", result.RuleName)
	assert.Equal(t, 1, runner.count("manual"))

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}

func TestScheduler_RunNowRejectsOverlap(t *testing.T) {
	runner := newCountingRunner()
	runner.gate = make(chan struct{})
	s, svc := setup(t, runner, 2)
	createJob(t, svc, "R1", "1d", true)

	var first atomic.Bool
	go func() {
		_, _ = s.RunNow(context.Background(), "R1")
		first.Store(true)
	}()
	require.Eventually(t, func() bool { return runner.count("R1") == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.RunNow(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrRunInFlight)

	close(runner.gate)
	assert.Eventually(t, first.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_HandleRunRequest(t *testing.T) {
	runner := newCountingRunner()
	s, svc := setup(t, runner, 1)
	createJob(t, svc, "R1", "1d", true)

	data, err := json.Marshal(messaging.RunRequest{RuleName: "R1"})
	require.NoError(t, err)
	require.NoError(t, s.HandleRunRequest(context.Background(), &messaging.Message{Subject: messaging.SubjectDetectionRun, Data: data}))
	assert.Equal(t, 1, runner.count("R1"))

	assert.Error(t, s.HandleRunRequest(context.Background(), &messaging.Message{Data: []byte(`{}`)}))
	assert.Error(t, s.HandleRunRequest(context.Background(), &messaging.Message{Data: []byte(`not json`)}))
}

// staticJobs serves a fixed job list, bypassing store validation.
type staticJobs struct {
	jobs []*models.DetectionJob
}

func (s *staticJobs) ListJobs(_ context.Context, _ bool) ([]*models.DetectionJob, error) {
	return s.jobs, nil
}

func (s *staticJobs) GetJob(_ context.Context, ruleName string) (*models.DetectionJob, error) {
	for _, j := range s.jobs {
		if j.RuleName == ruleName {
			return j, nil
		}
	}
	return nil, repository.ErrJobNotFound
}

func TestScheduler_SkipsUnusableIntervals(t *testing.T) {
	runner := newCountingRunner()
	source := &staticJobs{jobs: []*models.DetectionJob{
		{RuleName: "oversized", RuleQuery: "EventID:1", Active: true, TimeInterval: "106752d"},
		{RuleName: "healthy", RuleQuery: "EventID:1", Active: true, TimeInterval: "1m"},
	}}
	s := New(source, runner, logging.Discard(), 20*time.Millisecond, 4)
	s.parseInterval = fastIntervals

	cancel, done := start(t, s)
	assert.Eventually(t, func() bool { return runner.count("healthy") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, runner.count("oversized"))
}

func TestScheduler_SkipsNonPositiveIntervals(t *testing.T) {
	runner := newCountingRunner()
	source := &staticJobs{jobs: []*models.DetectionJob{
		{RuleName: "R1", RuleQuery: "EventID:1", Active: true, TimeInterval: "1m"},
	}}
	s := New(source, runner, logging.Discard(), 20*time.Millisecond, 4)
	s.parseInterval = func(string) (time.Duration, error) { return -time.Second, nil }

	cancel, done := start(t, s)
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, s.Scheduled())
	cancel()
	<-done

	assert.Zero(t, runner.count("R1"))
}
