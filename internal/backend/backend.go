// Package backend compiles normalized rules into OpenSearch query artifacts.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-sigma/internal/metrics"
	"github.com/telhawk-systems/telhawk-sigma/internal/pipeline"
	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// ErrCompilation is the sentinel every compile failure unwraps to.
var ErrCompilation = errors.New("compilation failed")

// CompilationError reports why a rule produced no artifact.
type CompilationError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *CompilationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compile %q: %s: %v", e.Rule, e.Reason, e.Err)
	}
	return fmt.Sprintf("compile %q: %s", e.Rule, e.Reason)
}

func (e *CompilationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCompilation, e.Err}
	}
	return []error{ErrCompilation}
}

// Format selects the output artifact.
type Format string

const (
	FormatDefault          Format = "default"
	FormatMonitorRule      Format = "monitor_rule"
	FormatDashboardsNDJSON Format = "dashboards_ndjson"
	FormatDSLLucene        Format = "dsl_lucene"
)

// Formats lists every supported output format.
var Formats = []Format{FormatDefault, FormatMonitorRule, FormatDashboardsNDJSON, FormatDSLLucene}

// ParseFormat validates a format name. An empty name selects FormatDefault.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatDefault, nil
	}
	for _, f := range Formats {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Options tune artifact rendering.
type Options struct {
	Indices        []string
	TimestampField string
	Enabled        bool

	// Monitor polling schedule.
	ScheduleInterval int
	ScheduleUnit     string

	// IndexPatternID is the saved-object id of the index pattern a saved search references.
	IndexPatternID string
}

// DefaultOptions returns options for the standard alert index.
func DefaultOptions() Options {
	return Options{
		Indices:          []string{"telhawk-alerts-*"},
		TimestampField:   "@timestamp",
		Enabled:          true,
		ScheduleInterval: 5,
		ScheduleUnit:     "MINUTES",
	}
}

// Renderer turns a rule and its compiled query into one artifact kind.
type Renderer interface {
	Render(rule *sigma.Rule, query string, opts Options) ([]byte, error)
}

// Backend normalizes and compiles rules.
type Backend struct {
	chain     pipeline.Chain
	renderers map[Format]Renderer
}

// New creates a backend that normalizes every rule through chain before compiling.
func New(chain pipeline.Chain) *Backend {
	return &Backend{
		chain: chain,
		renderers: map[Format]Renderer{
			FormatDefault:          defaultRenderer{},
			FormatMonitorRule:      monitorRenderer{},
			FormatDashboardsNDJSON: ndjsonRenderer{},
			FormatDSLLucene:        dslRenderer{},
		},
	}
}

// Query normalizes rule and returns its Lucene query string.
func (b *Backend) Query(rule *sigma.Rule) (string, *sigma.Rule, error) {
	normalized, err := b.chain.Normalize(rule)
	if err != nil {
		return "", nil, &CompilationError{Rule: rule.Title, Reason: "normalize logsource", Err: err}
	}
	if sigma.IsEmpty(normalized.Detection) {
		return "", nil, &CompilationError{Rule: rule.Title, Reason: "empty detection"}
	}

	query, err := ConvertExpr(normalized.Detection)
	if err != nil {
		return "", nil, &CompilationError{Rule: rule.Title, Reason: "convert detection", Err: err}
	}
	return query, normalized, nil
}

// Compile produces the requested artifact for rule.
func (b *Backend) Compile(rule *sigma.Rule, format Format, opts Options) ([]byte, error) {
	renderer, ok := b.renderers[format]
	if !ok {
		return nil, &CompilationError{Rule: rule.Title, Reason: fmt.Sprintf("unknown output format %q", format)}
	}

	query, normalized, err := b.Query(rule)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, err
	}

	out, err := renderer.Render(normalized, query, opts)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, &CompilationError{Rule: rule.Title, Reason: "render " + string(format), Err: err}
	}
	metrics.CompilationsTotal.WithLabelValues(string(format), "success").Inc()
	return out, nil
}

type defaultRenderer struct{}

func (defaultRenderer) Render(_ *sigma.Rule, query string, _ Options) ([]byte, error) {
	return []byte(query), nil
}
