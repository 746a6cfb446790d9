// Package repository persists detection jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
)

var (
	ErrJobNotFound = errors.New("detection job not found")
	ErrJobExists   = errors.New("detection job already exists")
)

// Repository stores detection jobs keyed by rule name.
type Repository interface {
	CreateJob(ctx context.Context, job *models.DetectionJob) error
	GetJob(ctx context.Context, ruleName string) (*models.DetectionJob, error)
	ListJobs(ctx context.Context, activeOnly bool) ([]*models.DetectionJob, error)
	SetActive(ctx context.Context, ruleName string, active bool, at time.Time) (*models.DetectionJob, error)
	SetInterval(ctx context.Context, ruleName, interval string, at time.Time) (*models.DetectionJob, error)
	UpdateQuery(ctx context.Context, ruleName, query string, at time.Time) (*models.DetectionJob, error)
	// RecordExecution never moves last_execution_time backwards.
	RecordExecution(ctx context.Context, ruleName string, executedAt time.Time) error
	DeleteJob(ctx context.Context, ruleName string) error
	Close()
}
