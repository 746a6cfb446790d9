// Package pipeline rewrites a rule's logsource and fields to match the destination event schema.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// ErrUnmappedLogsource is returned when a pipeline requires a mapping and none covers the rule.
var ErrUnmappedLogsource = errors.New("unmapped logsource")

// Condition selects rules by logsource. Empty fields match anything.
type Condition struct {
	Category string
	Product  string
	Service  string
}

// Matches compares case-insensitively.
func (c Condition) Matches(ls sigma.LogSource) bool {
	return matchField(c.Category, ls.Category) &&
		matchField(c.Product, ls.Product) &&
		matchField(c.Service, ls.Service)
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// RewriteRule injects a required predicate and retargets the logsource of matching rules.
type RewriteRule struct {
	When Condition

	// Field must equal one of Values. Several values form an OR-group.
	Field  string
	Values []string

	// Non-empty values replace the rule's logsource product/service.
	Product string
	Service string
}

// Apply returns a rewritten copy of rule. rule is not modified.
// A rule with an empty detection stays empty so the compiler still rejects it.
func (r RewriteRule) Apply(rule *sigma.Rule) *sigma.Rule {
	out := rule.Clone()
	if pred := r.predicate(); pred != nil && !sigma.IsEmpty(rule.Detection) {
		out.Detection = &sigma.AndExpr{X: []sigma.Expr{pred, rule.Detection}}
	}
	if r.Product != "" {
		out.LogSource.Product = r.Product
	}
	if r.Service != "" {
		out.LogSource.Service = r.Service
	}
	return out
}

func (r RewriteRule) predicate() sigma.Expr {
	switch len(r.Values) {
	case 0:
		return nil
	case 1:
		return &sigma.FieldMatch{Field: r.Field, Values: []string{r.Values[0]}}
	}
	alts := make([]sigma.Expr, len(r.Values))
	for i, v := range r.Values {
		alts[i] = &sigma.FieldMatch{Field: r.Field, Values: []string{v}}
	}
	return &sigma.OrExpr{X: alts}
}

// Pipeline is an ordered set of rewrite rules plus field renames for one destination schema.
type Pipeline struct {
	Name     string
	Priority int
	Rules    []RewriteRule

	// Scope limits FieldMappings and FailOnUnmapped to rules of this logsource.
	Scope         Condition
	FieldMappings map[string]string

	// FailOnUnmapped rejects in-scope rules whose category no rewrite rule covers.
	FailOnUnmapped bool
}

// Apply runs every rewrite rule whose condition matches the incoming logsource, in order.
func (p *Pipeline) Apply(rule *sigma.Rule) (*sigma.Rule, error) {
	ls := rule.LogSource
	out := rule
	matched := false
	for _, rr := range p.Rules {
		if rr.When.Matches(ls) {
			out = rr.Apply(out)
			matched = true
		}
	}

	if !p.Scope.Matches(ls) {
		return out, nil
	}
	if !matched && p.FailOnUnmapped && ls.Category != "" {
		return nil, fmt.Errorf("%w: %s has no mapping for category %q (product %q)",
			ErrUnmappedLogsource, p.Name, ls.Category, ls.Product)
	}
	if len(p.FieldMappings) > 0 {
		out = p.renameFields(out)
	}
	return out, nil
}

func (p *Pipeline) renameFields(rule *sigma.Rule) *sigma.Rule {
	out := rule.Clone()
	out.Detection = sigma.MapFields(rule.Detection, func(fm *sigma.FieldMatch) sigma.Expr {
		target, ok := p.FieldMappings[fm.Field]
		if !ok || fm.Field == "" {
			return fm
		}
		renamed := *fm
		renamed.Field = target
		return &renamed
	})
	return out
}

// Chain composes pipelines in ascending priority order.
type Chain []*Pipeline

// NewChain orders pipelines by priority. Equal priorities keep their argument order.
func NewChain(pipelines ...*Pipeline) Chain {
	c := append(Chain(nil), pipelines...)
	sort.SliceStable(c, func(i, j int) bool { return c[i].Priority < c[j].Priority })
	return c
}

// Normalize applies every pipeline in turn.
func (c Chain) Normalize(rule *sigma.Rule) (*sigma.Rule, error) {
	out := rule
	for _, p := range c {
		var err error
		if out, err = p.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
