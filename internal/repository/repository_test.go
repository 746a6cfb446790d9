package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/models"
)

func newJob(name string) *models.DetectionJob {
	return &models.DetectionJob{
		ID:           uuid.Must(uuid.NewV7()),
		RuleName:     name,
		RuleQuery:    "EventID:1 AND Image:*\\\\whoami.exe",
		TimeInterval: "15m",
		LastUpdated:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

// runRepositoryContract exercises behaviour every Repository must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		job := newJob("R1")
		require.NoError(t, repo.CreateJob(ctx, job))

		got, err := repo.GetJob(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.RuleQuery, got.RuleQuery)
		assert.False(t, got.Active)
		assert.Nil(t, got.LastExecutionTime)
	})

	t.Run("duplicate name", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateJob(ctx, newJob("R1")))
		err := repo.CreateJob(ctx, newJob("R1"))
		assert.True(t, errors.Is(err, ErrJobExists))
	})

	t.Run("missing job", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetJob(ctx, "nope")
		assert.True(t, errors.Is(err, ErrJobNotFound))
		_, err = repo.SetActive(ctx, "nope", true, time.Now())
		assert.True(t, errors.Is(err, ErrJobNotFound))
		_, err = repo.SetInterval(ctx, "nope", "5m", time.Now())
		assert.True(t, errors.Is(err, ErrJobNotFound))
		assert.True(t, errors.Is(repo.RecordExecution(ctx, "nope", time.Now()), ErrJobNotFound))
		assert.True(t, errors.Is(repo.DeleteJob(ctx, "nope"), ErrJobNotFound))
	})

	t.Run("list active only", func(t *testing.T) {
		repo := newRepo(t)
		for _, name := range []string{"b", "a", "c"} {
			require.NoError(t, repo.CreateJob(ctx, newJob(name)))
		}
		_, err := repo.SetActive(ctx, "c", true, time.Now())
		require.NoError(t, err)

		all, err := repo.ListJobs(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].RuleName)

		active, err := repo.ListJobs(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "c", active[0].RuleName)
	})

	t.Run("set active leaves execution time", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateJob(ctx, newJob("R1")))
		executed := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, repo.RecordExecution(ctx, "R1", executed))

		at := executed.Add(time.Minute)
		job, err := repo.SetActive(ctx, "R1", true, at)
		require.NoError(t, err)
		assert.True(t, job.Active)
		assert.True(t, at.Equal(job.LastUpdated))
		require.NotNil(t, job.LastExecutionTime)
		assert.True(t, executed.Equal(*job.LastExecutionTime))
	})

	t.Run("set interval and query", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateJob(ctx, newJob("R1")))

		job, err := repo.SetInterval(ctx, "R1", "1h", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "1h", job.TimeInterval)

		job, err = repo.UpdateQuery(ctx, "R1", "EventID:3", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "EventID:3", job.RuleQuery)
	})

	t.Run("record execution is monotonic", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateJob(ctx, newJob("R1")))

		t1 := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, repo.RecordExecution(ctx, "R1", t1))
		require.NoError(t, repo.RecordExecution(ctx, "R1", t1.Add(-time.Hour)))

		job, err := repo.GetJob(ctx, "R1")
		require.NoError(t, err)
		require.NotNil(t, job.LastExecutionTime)
		assert.True(t, t1.Equal(*job.LastExecutionTime))

		t2 := t1.Add(15 * time.Minute)
		require.NoError(t, repo.RecordExecution(ctx, "R1", t2))
		job, err = repo.GetJob(ctx, "R1")
		require.NoError(t, err)
		assert.True(t, t2.Equal(*job.LastExecutionTime))
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateJob(ctx, newJob("R1")))
		require.NoError(t, repo.DeleteJob(ctx, "R1"))
		_, err := repo.GetJob(ctx, "R1")
		assert.True(t, errors.Is(err, ErrJobNotFound))
	})
}

func TestInMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		return NewInMemoryRepository()
	})
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	require.NoError(t, repo.CreateJob(ctx, newJob("R1")))

	job, err := repo.GetJob(ctx, "R1")
	require.NoError(t, err)
	job.Active = true

	again, err := repo.GetJob(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, again.Active)
}
