// Package service validates and applies detection job changes.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
)

type Service struct {
	repo repository.Repository
	now  func() time.Time
}

func NewService(repo repository.Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// CreateJob validates the request and stores a new job. Nothing is stored on a validation error.
func (s *Service) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.DetectionJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	job := &models.DetectionJob{
		ID:           id,
		RuleName:     req.RuleName,
		RuleQuery:    req.RuleQuery,
		Active:       req.Active,
		TimeInterval: req.TimeInterval,
		LastUpdated:  s.now(),
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, ruleName string) (*models.DetectionJob, error) {
	return s.repo.GetJob(ctx, ruleName)
}

func (s *Service) ListJobs(ctx context.Context, activeOnly bool) ([]*models.DetectionJob, error) {
	return s.repo.ListJobs(ctx, activeOnly)
}

// SetActive flips the active flag. The execution history is left alone.
func (s *Service) SetActive(ctx context.Context, ruleName string, active bool) (*models.DetectionJob, error) {
	return s.repo.SetActive(ctx, ruleName, active, s.now())
}

func (s *Service) SetInterval(ctx context.Context, ruleName, interval string) (*models.DetectionJob, error) {
	if err := models.ValidateTimeInterval(interval); err != nil {
		return nil, err
	}
	return s.repo.SetInterval(ctx, ruleName, interval, s.now())
}

func (s *Service) UpdateQuery(ctx context.Context, ruleName, query string) (*models.DetectionJob, error) {
	if err := models.ValidateRuleQuery(query); err != nil {
		return nil, err
	}
	return s.repo.UpdateQuery(ctx, ruleName, query, s.now())
}

// RecordExecution advances the job's window. Call it once per run, after every match is tagged.
func (s *Service) RecordExecution(ctx context.Context, ruleName string, executedAt time.Time) error {
	return s.repo.RecordExecution(ctx, ruleName, executedAt)
}

func (s *Service) DeleteJob(ctx context.Context, ruleName string) error {
	return s.repo.DeleteJob(ctx, ruleName)
}
