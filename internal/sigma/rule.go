// Package sigma decodes Sigma detection rules into an immutable boolean tree.
package sigma

import "strings"

// Level is the declared criticality of a rule.
type Level string

const (
	LevelInformational Level = "informational"
	LevelLow           Level = "low"
	LevelMedium        Level = "medium"
	LevelHigh          Level = "high"
	LevelCritical      Level = "critical"
)

// Rank orders levels from 1 (informational) to 5 (critical). Unknown levels rank 0.
func (l Level) Rank() int {
	switch Level(strings.ToLower(string(l))) {
	case LevelInformational:
		return 1
	case LevelLow:
		return 2
	case LevelMedium:
		return 3
	case LevelHigh:
		return 4
	case LevelCritical:
		return 5
	default:
		return 0
	}
}

// LogSource is the product/category/service triple a rule targets.
type LogSource struct {
	Category   string `yaml:"category,omitempty"`
	Product    string `yaml:"product,omitempty"`
	Service    string `yaml:"service,omitempty"`
	Definition string `yaml:"definition,omitempty"`
}

// Rule is a parsed detection rule. Treat it as read-only; rewrites produce new values.
type Rule struct {
	ID             string
	Title          string
	Description    string
	Status         string
	Author         string
	Level          Level
	LogSource      LogSource
	Detection      Expr
	Tags           []string
	References     []string
	FalsePositives []string
	Fields         []string
}

// Tag is a "namespace.name" rule tag.
type Tag struct {
	Namespace string
	Name      string
}

// ParsedTags splits each tag at its first dot. Tags without a namespace keep an empty Namespace.
func (r *Rule) ParsedTags() []Tag {
	tags := make([]Tag, 0, len(r.Tags))
	for _, raw := range r.Tags {
		ns, name, ok := strings.Cut(raw, ".")
		if !ok {
			tags = append(tags, Tag{Name: raw})
			continue
		}
		tags = append(tags, Tag{Namespace: ns, Name: name})
	}
	return tags
}

// Clone returns a copy whose slices can be replaced without affecting r.
// The detection tree is shared since nodes are never mutated.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.References = append([]string(nil), r.References...)
	c.FalsePositives = append([]string(nil), r.FalsePositives...)
	c.Fields = append([]string(nil), r.Fields...)
	return &c
}
