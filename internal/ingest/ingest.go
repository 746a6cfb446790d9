// Package ingest turns a Sigma rule bundle into stored detection jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/metrics"
	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// Fetcher downloads a bundle and hands its rule file paths to fn.
type Fetcher interface {
	Fetch(ctx context.Context, url, platform string, fn func(paths []string) error) error
}

// Compiler normalizes a rule and returns its backend query.
type Compiler interface {
	Query(rule *sigma.Rule) (string, *sigma.Rule, error)
}

// JobStore is the subset of the job service ingestion writes through.
type JobStore interface {
	GetJob(ctx context.Context, ruleName string) (*models.DetectionJob, error)
	CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.DetectionJob, error)
	UpdateQuery(ctx context.Context, ruleName, query string) (*models.DetectionJob, error)
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFailed    Outcome = "failed"
)

// Options control one ingestion run.
type Options struct {
	URL      string
	Platform string
	Interval string
	Activate bool
	// Overwrite replaces the query of an existing job whose compiled query changed.
	Overwrite bool
}

// RuleResult is the outcome for one rule file.
type RuleResult struct {
	Path     string
	RuleName string
	Outcome  Outcome
	Err      error
}

// Report summarizes an ingestion run.
type Report struct {
	Results []RuleResult
	Counts  map[Outcome]int
}

// Failures returns the results that did not produce or confirm a job.
func (r *Report) Failures() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeConflict {
			out = append(out, res)
		}
	}
	return out
}

type Ingester struct {
	fetcher  Fetcher
	compiler Compiler
	store    JobStore
	logger   *logging.Logger
}

func New(fetcher Fetcher, compiler Compiler, store JobStore, logger *logging.Logger) *Ingester {
	return &Ingester{
		fetcher:  fetcher,
		compiler: compiler,
		store:    store,
		logger:   logger.With(logging.Component("ingest")),
	}
}

// Ingest fetches the bundle and stores a job for every rule that compiles. A fetch failure
// aborts the run; per-rule failures are collected in the report.
func (i *Ingester) Ingest(ctx context.Context, opts Options) (*Report, error) {
	var report *Report
	err := i.fetcher.Fetch(ctx, opts.URL, opts.Platform, func(paths []string) error {
		var err error
		report, err = i.IngestPaths(ctx, paths, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

type compiled struct {
	name  string
	query string
	err   error
}

// IngestPaths compiles the given rule files concurrently and stores them in path order.
func (i *Ingester) IngestPaths(ctx context.Context, paths []string, opts Options) (*Report, error) {
	results := make([]compiled, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for idx, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[idx] = i.compile(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Counts: make(map[Outcome]int)}
	for idx, path := range paths {
		res := RuleResult{Path: path, RuleName: results[idx].name}
		if results[idx].err != nil {
			res.Outcome, res.Err = OutcomeFailed, results[idx].err
		} else {
			res.Outcome, res.Err = i.upsert(ctx, results[idx].name, results[idx].query, opts)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		report.Results = append(report.Results, res)
		report.Counts[res.Outcome]++
		metrics.IngestedRulesTotal.WithLabelValues(string(res.Outcome)).Inc()
		if res.Err != nil {
			i.logger.WarnContext(ctx, "rule not ingested",
				"path", path,
				logging.RuleName(res.RuleName),
				logging.Error(res.Err))
		}
	}

	i.logger.InfoContext(ctx, "ingestion finished",
		"rules", len(paths),
		"created", report.Counts[OutcomeCreated],
		"updated", report.Counts[OutcomeUpdated],
		"unchanged", report.Counts[OutcomeUnchanged],
		"failed", report.Counts[OutcomeFailed]+report.Counts[OutcomeConflict])
	return report, nil
}

func (i *Ingester) compile(path string) compiled {
	data, err := os.ReadFile(path)
	if err != nil {
		return compiled{err: err}
	}
	rule, err := sigma.ParseRule(data)
	if err != nil {
		return compiled{err: err}
	}
	query, _, err := i.compiler.Query(rule)
	if err != nil {
		return compiled{name: rule.Title, err: err}
	}
	return compiled{name: rule.Title, query: query}
}

func (i *Ingester) upsert(ctx context.Context, name, query string, opts Options) (Outcome, error) {
	existing, err := i.store.GetJob(ctx, name)
	switch {
	case errors.Is(err, repository.ErrJobNotFound):
		_, err := i.store.CreateJob(ctx, &models.CreateJobRequest{
			RuleName:     name,
			RuleQuery:    query,
			Active:       opts.Activate,
			TimeInterval: opts.Interval,
		})
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeCreated, nil
	case err != nil:
		return OutcomeFailed, err
	}

	if existing.RuleQuery == query {
		return OutcomeUnchanged, nil
	}
	if !opts.Overwrite {
		return OutcomeConflict, fmt.Errorf("%w with a different query", repository.ErrJobExists)
	}
	if _, err := i.store.UpdateQuery(ctx, name, query); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeUpdated, nil
}
