package sigma

// Expr is a node of a detection tree. The set of implementations is closed.
type Expr interface {
	expr()
}

// AndExpr holds when every child holds.
type AndExpr struct {
	X []Expr
}

// OrExpr holds when any child holds.
type OrExpr struct {
	X []Expr
}

// NotExpr negates its child.
type NotExpr struct {
	X Expr
}

// FieldMatch compares one event field against a set of values.
// An empty Field searches the whole event (keywords). Null matches a missing field.
type FieldMatch struct {
	Field     string
	Modifiers []string
	Values    []string
	Null      bool
}

func (*AndExpr) expr()    {}
func (*OrExpr) expr()     {}
func (*NotExpr) expr()    {}
func (*FieldMatch) expr() {}

// HasModifier reports whether m is among the match modifiers.
func (f *FieldMatch) HasModifier(m string) bool {
	for _, mod := range f.Modifiers {
		if mod == m {
			return true
		}
	}
	return false
}

// IsEmpty reports whether e contains no field match at all.
func IsEmpty(e Expr) bool {
	switch x := e.(type) {
	case nil:
		return true
	case *AndExpr:
		return allEmpty(x.X)
	case *OrExpr:
		return allEmpty(x.X)
	case *NotExpr:
		return IsEmpty(x.X)
	case *FieldMatch:
		return len(x.Values) == 0 && !x.Null && !x.HasModifier("exists")
	default:
		return true
	}
}

func allEmpty(xs []Expr) bool {
	for _, x := range xs {
		if !IsEmpty(x) {
			return false
		}
	}
	return true
}

// MapFields rebuilds e, replacing every field match with fn's result. e is left untouched.
func MapFields(e Expr, fn func(*FieldMatch) Expr) Expr {
	switch x := e.(type) {
	case *AndExpr:
		return &AndExpr{X: mapAll(x.X, fn)}
	case *OrExpr:
		return &OrExpr{X: mapAll(x.X, fn)}
	case *NotExpr:
		return &NotExpr{X: MapFields(x.X, fn)}
	case *FieldMatch:
		return fn(x)
	default:
		return e
	}
}

func mapAll(xs []Expr, fn func(*FieldMatch) Expr) []Expr {
	out := make([]Expr, len(xs))
	for i, x := range xs {
		out[i] = MapFields(x, fn)
	}
	return out
}
