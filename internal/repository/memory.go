package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
)

// InMemoryRepository keeps jobs in process memory. Returned jobs are copies.
type InMemoryRepository struct {
	jobs map[string]*models.DetectionJob
	mu   sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{jobs: make(map[string]*models.DetectionJob)}
}

func (r *InMemoryRepository) CreateJob(_ context.Context, job *models.DetectionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.RuleName]; exists {
		return ErrJobExists
	}
	r.jobs[job.RuleName] = copyJob(job)
	return nil
}

func (r *InMemoryRepository) GetJob(_ context.Context, ruleName string) (*models.DetectionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[ruleName]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (r *InMemoryRepository) ListJobs(_ context.Context, activeOnly bool) ([]*models.DetectionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*models.DetectionJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		if activeOnly && !job.Active {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RuleName < jobs[j].RuleName })
	return jobs, nil
}

func (r *InMemoryRepository) SetActive(_ context.Context, ruleName string, active bool, at time.Time) (*models.DetectionJob, error) {
	return r.mutate(ruleName, func(job *models.DetectionJob) {
		job.Active = active
		job.LastUpdated = at
	})
}

func (r *InMemoryRepository) SetInterval(_ context.Context, ruleName, interval string, at time.Time) (*models.DetectionJob, error) {
	return r.mutate(ruleName, func(job *models.DetectionJob) {
		job.TimeInterval = interval
		job.LastUpdated = at
	})
}

func (r *InMemoryRepository) UpdateQuery(_ context.Context, ruleName, query string, at time.Time) (*models.DetectionJob, error) {
	return r.mutate(ruleName, func(job *models.DetectionJob) {
		job.RuleQuery = query
		job.LastUpdated = at
	})
}

func (r *InMemoryRepository) RecordExecution(_ context.Context, ruleName string, executedAt time.Time) error {
	_, err := r.mutate(ruleName, func(job *models.DetectionJob) {
		if job.LastExecutionTime == nil || executedAt.After(*job.LastExecutionTime) {
			t := executedAt
			job.LastExecutionTime = &t
		}
	})
	return err
}

func (r *InMemoryRepository) DeleteJob(_ context.Context, ruleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[ruleName]; !exists {
		return ErrJobNotFound
	}
	delete(r.jobs, ruleName)
	return nil
}

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) mutate(ruleName string, fn func(*models.DetectionJob)) (*models.DetectionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[ruleName]
	if !exists {
		return nil, ErrJobNotFound
	}
	fn(job)
	return copyJob(job), nil
}

func copyJob(job *models.DetectionJob) *models.DetectionJob {
	c := *job
	if job.LastExecutionTime != nil {
		t := *job.LastExecutionTime
		c.LastExecutionTime = &t
	}
	return &c
}
