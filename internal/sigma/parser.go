package sigma

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is returned for documents that are not well-formed rules.
var ErrInvalidRule = errors.New("invalid sigma rule")

var knownModifiers = map[string]bool{
	"contains":   true,
	"startswith": true,
	"endswith":   true,
	"all":        true,
	"re":         true,
	"cidr":       true,
	"exists":     true,
}

type ruleDocument struct {
	ID             string    `yaml:"id"`
	Title          string    `yaml:"title"`
	Description    string    `yaml:"description"`
	Status         string    `yaml:"status"`
	Author         string    `yaml:"author"`
	Level          string    `yaml:"level"`
	LogSource      LogSource `yaml:"logsource"`
	Detection      yaml.Node `yaml:"detection"`
	Tags           []string  `yaml:"tags"`
	References     []string  `yaml:"references"`
	FalsePositives []string  `yaml:"falsepositives"`
	Fields         []string  `yaml:"fields"`
}

// ParseRule decodes a single YAML rule document.
// A rule without a detection section parses with a nil Detection.
func ParseRule(data []byte) (*Rule, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if strings.TrimSpace(doc.Title) == "" {
		return nil, fmt.Errorf("%w: missing title", ErrInvalidRule)
	}

	rule := &Rule{
		ID:             doc.ID,
		Title:          doc.Title,
		Description:    doc.Description,
		Status:         doc.Status,
		Author:         doc.Author,
		Level:          Level(strings.ToLower(doc.Level)),
		LogSource:      doc.LogSource,
		Tags:           doc.Tags,
		References:     doc.References,
		FalsePositives: doc.FalsePositives,
		Fields:         doc.Fields,
	}

	if doc.Detection.Kind != 0 {
		detection, err := parseDetection(&doc.Detection)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, doc.Title, err)
		}
		rule.Detection = detection
	}
	return rule, nil
}

func parseDetection(node *yaml.Node) (Expr, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("detection must be a mapping")
	}

	idents := make(map[string]Expr)
	var conditions []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, resolve(node.Content[i+1])
		switch key {
		case "condition":
			conds, err := scalars(value)
			if err != nil {
				return nil, fmt.Errorf("condition: %w", err)
			}
			conditions = append(conditions, conds...)
		case "timeframe":
		default:
			x, err := parseSearch(value)
			if err != nil {
				return nil, fmt.Errorf("search %q: %w", key, err)
			}
			idents[key] = x
		}
	}

	if len(conditions) == 0 {
		if len(idents) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("missing condition")
	}

	exprs := make([]Expr, 0, len(conditions))
	for _, c := range conditions {
		x, err := ParseCondition(c, idents)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, x)
	}
	return or(exprs), nil
}

func parseSearch(node *yaml.Node) (Expr, error) {
	switch node.Kind {
	case yaml.MappingNode:
		return parseFieldMap(node)
	case yaml.ScalarNode:
		return keywords(node)
	case yaml.SequenceNode:
		if len(node.Content) == 0 {
			return &OrExpr{}, nil
		}
		if allScalars(node) {
			return keywords(node)
		}
		alts := make([]Expr, 0, len(node.Content))
		for _, item := range node.Content {
			item = resolve(item)
			if item.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("list items must all be mappings or all be scalars")
			}
			x, err := parseFieldMap(item)
			if err != nil {
				return nil, err
			}
			alts = append(alts, x)
		}
		return or(alts), nil
	default:
		return nil, fmt.Errorf("unsupported search node")
	}
}

func parseFieldMap(node *yaml.Node) (Expr, error) {
	matches := make([]Expr, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		parts := strings.Split(node.Content[i].Value, "|")
		fm := &FieldMatch{Field: parts[0]}
		for _, mod := range parts[1:] {
			if !knownModifiers[mod] {
				return nil, fmt.Errorf("unsupported modifier %q on %s", mod, parts[0])
			}
			fm.Modifiers = append(fm.Modifiers, mod)
		}
		if err := collectValues(fm, resolve(node.Content[i+1])); err != nil {
			return nil, fmt.Errorf("field %s: %w", parts[0], err)
		}
		matches = append(matches, fm)
	}
	return and(matches), nil
}

func collectValues(fm *FieldMatch, node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		addValue(fm, node)
	case yaml.SequenceNode:
		for _, item := range node.Content {
			item = resolve(item)
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("values must be scalars")
			}
			addValue(fm, item)
		}
	default:
		return fmt.Errorf("values must be a scalar or a list of scalars")
	}
	return nil
}

func addValue(fm *FieldMatch, node *yaml.Node) {
	if node.Tag == "!!null" {
		fm.Null = true
		return
	}
	fm.Values = append(fm.Values, node.Value)
}

func keywords(node *yaml.Node) (Expr, error) {
	fm := &FieldMatch{}
	if err := collectValues(fm, node); err != nil {
		return nil, err
	}
	return fm, nil
}

func scalars(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("expected a string")
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings")
	}
}

func allScalars(node *yaml.Node) bool {
	for _, item := range node.Content {
		if resolve(item).Kind != yaml.ScalarNode {
			return false
		}
	}
	return true
}

func resolve(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func and(xs []Expr) Expr {
	if len(xs) == 1 {
		return xs[0]
	}
	return &AndExpr{X: xs}
}

func or(xs []Expr) Expr {
	if len(xs) == 1 {
		return xs[0]
	}
	return &OrExpr{X: xs}
}
