package sigma

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// ParseCondition compiles a detection condition against its named searches.
// Supported: and, or, not, parentheses, "1 of"/"any of"/"all of" over a name, a
// wildcard pattern or "them". Aggregation pipes are rejected.
func ParseCondition(condition string, idents map[string]Expr) (Expr, error) {
	names := make([]string, 0, len(idents))
	for name := range idents {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &conditionParser{tokens: tokenize(condition), idents: idents, names: names}
	if len(p.tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	x, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok, ok := p.peek(); ok {
		return nil, fmt.Errorf("unexpected %q in condition %q", tok, condition)
	}
	return x, nil
}

type conditionParser struct {
	tokens []string
	pos    int
	idents map[string]Expr
	names  []string
}

func (p *conditionParser) peek() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	return p.tokens[p.pos], true
}

func (p *conditionParser) next() (string, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

func (p *conditionParser) accept(keyword string) bool {
	if tok, ok := p.peek(); ok && strings.EqualFold(tok, keyword) {
		p.pos++
		return true
	}
	return false
}

func (p *conditionParser) parseOr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	xs := []Expr{x}
	for p.accept("or") {
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		xs = append(xs, y)
	}
	return or(xs), nil
}

func (p *conditionParser) parseAnd() (Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	xs := []Expr{x}
	for p.accept("and") {
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		xs = append(xs, y)
	}
	return and(xs), nil
}

func (p *conditionParser) parseNot() (Expr, error) {
	if p.accept("not") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{X: x}, nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (Expr, error) {
	tok, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	switch {
	case tok == "(":
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing, _ := p.next(); closing != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return x, nil
	case tok == "|":
		return nil, fmt.Errorf("aggregation expressions are not supported")
	case tok == "1" || strings.EqualFold(tok, "any") || strings.EqualFold(tok, "all"):
		if !p.accept("of") {
			return nil, fmt.Errorf("expected \"of\" after %q", tok)
		}
		target, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("expected search name after %q of", tok)
		}
		xs, err := p.expand(target)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(tok, "all") {
			return and(xs), nil
		}
		return or(xs), nil
	default:
		x, ok := p.idents[tok]
		if !ok {
			return nil, fmt.Errorf("unknown search identifier %q", tok)
		}
		return x, nil
	}
}

func (p *conditionParser) expand(target string) ([]Expr, error) {
	var xs []Expr
	for _, name := range p.names {
		var match bool
		if strings.EqualFold(target, "them") {
			match = !strings.HasPrefix(name, "_")
		} else {
			match, _ = path.Match(target, name)
		}
		if match {
			xs = append(xs, p.idents[name])
		}
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("no search identifiers match %q", target)
	}
	return xs, nil
}

func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			flush()
		case '(', ')', '|':
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
