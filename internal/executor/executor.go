// Package executor runs one detection job over its next time window and tags matching documents.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-sigma/internal/backend"
	"github.com/telhawk-systems/telhawk-sigma/internal/config"
	"github.com/telhawk-systems/telhawk-sigma/internal/indexlock"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/messaging"
	"github.com/telhawk-systems/telhawk-sigma/internal/metrics"
	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/opensearch"
)

// SearchBackend is the subset of the OpenSearch client a run needs.
type SearchBackend interface {
	Search(ctx context.Context, indices []string, body map[string]any, size int) ([]opensearch.Hit, error)
	UpdateField(ctx context.Context, index, id, field string, value any) error
	SetWriteBlock(ctx context.Context, index string, blocked bool) error
}

// ExecutionRecorder commits a job's execution time.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, ruleName string, executedAt time.Time) error
}

// Result describes one completed run.
type Result struct {
	RuleName string
	Window   models.Window
	Matches  int
	Tagged   int
	Skipped  bool
}

type Executor struct {
	backend   SearchBackend
	recorder  ExecutionRecorder
	locker    indexlock.Locker
	publisher messaging.Publisher
	logger    *logging.Logger
	cfg       config.DetectionConfig
	now       func() time.Time
}

func New(
	backend SearchBackend,
	recorder ExecutionRecorder,
	locker indexlock.Locker,
	publisher messaging.Publisher,
	logger *logging.Logger,
	cfg config.DetectionConfig,
) *Executor {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if cfg.RestoreAttempts < 1 {
		cfg.RestoreAttempts = 1
	}
	return &Executor{
		backend:   backend,
		recorder:  recorder,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With(logging.Component("executor")),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run evaluates job over [last execution, now), tags every match with the rule name and
// then records the window end. A failed run leaves the job's execution time untouched.
func (e *Executor) Run(ctx context.Context, job *models.DetectionJob) (*Result, error) {
	start := time.Now()
	result, err := e.run(ctx, job)
	metrics.RunDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		e.logger.ErrorContext(ctx, "detection run failed",
			logging.RuleName(job.RuleName),
			logging.Error(err))
	case result.Skipped:
		metrics.RunsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.RunsTotal.WithLabelValues("success").Inc()
		e.logger.InfoContext(ctx, "detection run completed",
			logging.RuleName(job.RuleName),
			logging.Window(result.Window.Start, result.Window.End),
			logging.Matches(result.Matches),
			logging.Duration(time.Since(start)))
	}
	return result, err
}

func (e *Executor) run(ctx context.Context, job *models.DetectionJob) (*Result, error) {
	window := models.NextWindow(job.LastExecutionTime, e.now(), e.cfg.DefaultLookback)
	result := &Result{RuleName: job.RuleName, Window: window}
	if window.Empty() {
		result.Skipped = true
		return result, nil
	}

	hits, err := e.backend.Search(ctx, []string{e.cfg.TargetIndex}, e.searchBody(job.RuleQuery, window), e.cfg.MaxResults)
	if err != nil {
		return result, unavailable("search", e.cfg.TargetIndex, err)
	}
	result.Matches = len(hits)
	metrics.MatchesTotal.Add(float64(len(hits)))

	for _, hit := range hits {
		if err := e.tag(ctx, hit, job.RuleName); err != nil {
			return result, err
		}
		result.Tagged++
		metrics.TaggedTotal.Inc()
	}

	if err := e.recorder.RecordExecution(ctx, job.RuleName, window.End); err != nil {
		return result, fmt.Errorf("record execution: %w", err)
	}

	if result.Matches > 0 {
		e.notify(ctx, result)
	}
	return result, nil
}

// searchBody ANDs the stored query with a half-open range on the timestamp field.
func (e *Executor) searchBody(query string, w models.Window) map[string]any {
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					backend.QueryStringClause(query),
					map[string]any{
						"range": map[string]any{
							e.cfg.TimestampField: map[string]any{
								"gte":    w.Start.Format(time.RFC3339Nano),
								"lt":     w.End.Format(time.RFC3339Nano),
								"format": "strict_date_optional_time",
							},
						},
					},
				},
			},
		},
	}
}

func (e *Executor) tag(ctx context.Context, hit opensearch.Hit, ruleName string) error {
	err := e.backend.UpdateField(ctx, hit.Index, hit.ID, e.cfg.TagField, ruleName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, opensearch.ErrWriteBlocked) {
		return unavailable("update", hit.Index, err)
	}

	e.logger.WarnContext(ctx, "index write blocked, clearing for retry",
		logging.RuleName(ruleName),
		logging.Index(hit.Index),
		logging.DocumentID(hit.ID))
	return e.tagBlocked(ctx, hit, ruleName)
}

// tagBlocked clears the write block, retries the update once and restores the block.
// The whole sequence holds the index lock.
func (e *Executor) tagBlocked(ctx context.Context, hit opensearch.Hit, ruleName string) (err error) {
	unlock, err := e.locker.Lock(ctx, hit.Index)
	if err != nil {
		return fmt.Errorf("lock index %s: %w", hit.Index, err)
	}
	defer unlock()

	if err := e.backend.SetWriteBlock(ctx, hit.Index, false); err != nil {
		// The block may be partially cleared; restore anyway.
		return errors.Join(unavailable("clear write block", hit.Index, err), e.restore(ctx, hit.Index))
	}
	defer func() {
		err = errors.Join(err, e.restore(ctx, hit.Index))
	}()

	if err := e.backend.UpdateField(ctx, hit.Index, hit.ID, e.cfg.TagField, ruleName); err != nil {
		metrics.WriteBlockRetries.WithLabelValues("failure").Inc()
		return unavailable("update after clearing write block", hit.Index, err)
	}
	metrics.WriteBlockRetries.WithLabelValues("success").Inc()
	return nil
}

// restore sets the write block again, retrying with backoff. It runs on a context detached
// from cancellation so an aborted run still re-protects the index.
func (e *Executor) restore(ctx context.Context, index string) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= e.cfg.RestoreAttempts; attempt++ {
		if err = e.backend.SetWriteBlock(ctx, index, true); err == nil {
			return nil
		}
		e.logger.WarnContext(ctx, "failed to restore write block",
			logging.Index(index),
			"attempt", attempt,
			logging.Error(err))
		if attempt < e.cfg.RestoreAttempts {
			time.Sleep(e.cfg.RestoreBackoff * time.Duration(attempt))
		}
	}

	metrics.WriteBlockRestoreFailures.Inc()
	e.logger.ErrorContext(ctx, "index left without write block",
		logging.Index(index),
		logging.Error(err))
	return unavailable("restore write block", index, err)
}

func (e *Executor) notify(ctx context.Context, r *Result) {
	event := messaging.DetectionMatched{
		RuleName:    r.RuleName,
		WindowStart: r.Window.Start,
		WindowEnd:   r.Window.End,
		Matches:     r.Matches,
		Tagged:      r.Tagged,
	}
	if err := e.publisher.PublishJSON(ctx, messaging.SubjectDetectionMatched, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish detection event",
			logging.RuleName(r.RuleName),
			logging.Error(err))
	}
}
