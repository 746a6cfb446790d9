package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
)

const (
	queryTimeout = 5 * time.Second

	uniqueViolation = "23505"
)

const jobColumns = `id, rule_name, rule_query, active, time_interval, last_updated, last_execution_time`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// CreateJob inserts a job. A duplicate rule name yields ErrJobExists.
func (r *PostgresRepository) CreateJob(ctx context.Context, job *models.DetectionJob) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO detection_jobs
		(id, rule_name, rule_query, active, time_interval, last_updated, last_execution_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.RuleName,
		job.RuleQuery,
		job.Active,
		job.TimeInterval,
		job.LastUpdated,
		job.LastExecutionTime,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrJobExists
		}
		return fmt.Errorf("failed to create detection job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, ruleName string) (*models.DetectionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM detection_jobs WHERE rule_name = $1`, ruleName)
	return scanJob(row)
}

func (r *PostgresRepository) ListJobs(ctx context.Context, activeOnly bool) ([]*models.DetectionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM detection_jobs`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY rule_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.DetectionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detection jobs: %w", err)
	}
	return jobs, nil
}

func (r *PostgresRepository) SetActive(ctx context.Context, ruleName string, active bool, at time.Time) (*models.DetectionJob, error) {
	return r.update(ctx, `UPDATE detection_jobs SET active = $2, last_updated = $3 WHERE rule_name = $1 RETURNING `+jobColumns,
		ruleName, active, at)
}

func (r *PostgresRepository) SetInterval(ctx context.Context, ruleName, interval string, at time.Time) (*models.DetectionJob, error) {
	return r.update(ctx, `UPDATE detection_jobs SET time_interval = $2, last_updated = $3 WHERE rule_name = $1 RETURNING `+jobColumns,
		ruleName, interval, at)
}

func (r *PostgresRepository) UpdateQuery(ctx context.Context, ruleName, query string, at time.Time) (*models.DetectionJob, error) {
	return r.update(ctx, `UPDATE detection_jobs SET rule_query = $2, last_updated = $3 WHERE rule_name = $1 RETURNING `+jobColumns,
		ruleName, query, at)
}

// RecordExecution keeps the later of the stored and given timestamps.
func (r *PostgresRepository) RecordExecution(ctx context.Context, ruleName string, executedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE detection_jobs
		SET last_execution_time = GREATEST(COALESCE(last_execution_time, $2), $2)
		WHERE rule_name = $1
	`
	tag, err := r.pool.Exec(ctx, query, ruleName, executedAt)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteJob(ctx context.Context, ruleName string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM detection_jobs WHERE rule_name = $1`, ruleName)
	if err != nil {
		return fmt.Errorf("failed to delete detection job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresRepository) update(ctx context.Context, query string, args ...any) (*models.DetectionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return scanJob(r.pool.QueryRow(ctx, query, args...))
}

func scanJob(row pgx.Row) (*models.DetectionJob, error) {
	var job models.DetectionJob
	err := row.Scan(
		&job.ID,
		&job.RuleName,
		&job.RuleQuery,
		&job.Active,
		&job.TimeInterval,
		&job.LastUpdated,
		&job.LastExecutionTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan detection job: %w", err)
	}
	return &job, nil
}
