package backend

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// Operator precedence, loosest first.
const (
	precOr = iota + 1
	precAnd
	precNot
	precAtom
)

const luceneReserved = `+-=&|><!(){}[]^"~*?:\/ `

// ConvertExpr renders a detection tree as a Lucene query string.
func ConvertExpr(e sigma.Expr) (string, error) {
	q, _, err := convert(e)
	return q, err
}

func convert(e sigma.Expr) (string, int, error) {
	switch x := e.(type) {
	case *sigma.AndExpr:
		return join(x.X, " AND ", precAnd)
	case *sigma.OrExpr:
		return join(x.X, " OR ", precOr)
	case *sigma.NotExpr:
		inner, prec, err := convert(x.X)
		if err != nil {
			return "", 0, err
		}
		return "NOT " + wrap(inner, prec, precNot), precNot, nil
	case *sigma.FieldMatch:
		return convertMatch(x)
	default:
		return "", 0, fmt.Errorf("unsupported expression %T", e)
	}
}

func join(xs []sigma.Expr, sep string, prec int) (string, int, error) {
	type operand struct {
		q    string
		prec int
	}
	operands := make([]operand, 0, len(xs))
	for _, x := range xs {
		if sigma.IsEmpty(x) {
			continue
		}
		q, p, err := convert(x)
		if err != nil {
			return "", 0, err
		}
		operands = append(operands, operand{q, p})
	}

	switch len(operands) {
	case 0:
		return "", 0, fmt.Errorf("empty expression group")
	case 1:
		return operands[0].q, operands[0].prec, nil
	}
	parts := make([]string, len(operands))
	for i, o := range operands {
		parts[i] = wrap(o.q, o.prec, prec)
	}
	return strings.Join(parts, sep), prec, nil
}

// Lucene's query parser has no real AND/OR precedence, so mixed groups are always parenthesized.
func wrap(q string, prec, parent int) string {
	if prec < parent || (prec == precAnd && parent == precOr) {
		return "(" + q + ")"
	}
	return q
}

func convertMatch(fm *sigma.FieldMatch) (string, int, error) {
	if fm.HasModifier("exists") {
		if fm.Field == "" {
			return "", 0, fmt.Errorf("exists modifier requires a field")
		}
		exists := "_exists_:" + escapeField(fm.Field)
		if len(fm.Values) == 1 && strings.EqualFold(fm.Values[0], "false") {
			return "NOT " + exists, precNot, nil
		}
		return exists, precAtom, nil
	}

	var terms []string
	for _, v := range fm.Values {
		t, err := convertValue(v, fm)
		if err != nil {
			return "", 0, err
		}
		terms = append(terms, t)
	}

	var parts []string
	prec := precAtom
	if fm.Null {
		parts = append(parts, "NOT _exists_:"+escapeField(fm.Field))
		prec = precNot
	}
	if len(terms) > 0 {
		op := " OR "
		if fm.HasModifier("all") {
			op = " AND "
		}
		group := terms[0]
		if len(terms) > 1 {
			group = "(" + strings.Join(terms, op) + ")"
		}
		if fm.Field != "" {
			group = escapeField(fm.Field) + ":" + group
		}
		parts = append(parts, group)
	}

	switch len(parts) {
	case 0:
		return "", 0, fmt.Errorf("field %q has no values", fm.Field)
	case 1:
		return parts[0], prec, nil
	}
	return strings.Join(parts, " OR "), precOr, nil
}

func convertValue(v string, fm *sigma.FieldMatch) (string, error) {
	if fm.HasModifier("re") {
		return "/" + strings.ReplaceAll(v, "/", `\/`) + "/", nil
	}
	if v == "" {
		return `""`, nil
	}

	term := escapeValue(v)
	switch {
	case fm.HasModifier("contains"):
		term = "*" + term + "*"
	case fm.HasModifier("startswith"):
		term = term + "*"
	case fm.HasModifier("endswith"):
		term = "*" + term
	}
	return term, nil
}

// escapeValue escapes Lucene reserved characters while keeping the unescaped
// rule wildcards * and ?. A backslash before *, ? or \ makes that character literal.
func escapeValue(v string) string {
	var b strings.Builder
	runes := []rune(v)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) && strings.ContainsRune(`*?\`, runes[i+1]) {
			b.WriteRune('\\')
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		if r == '*' || r == '?' {
			b.WriteRune(r)
			continue
		}
		if strings.ContainsRune(luceneReserved, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeField(f string) string {
	var b strings.Builder
	for _, r := range f {
		if strings.ContainsRune(luceneReserved, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
