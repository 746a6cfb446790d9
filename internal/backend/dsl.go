package backend

import (
	"encoding/json"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// QueryStringClause wraps a Lucene query for use inside a bool query.
func QueryStringClause(query string) map[string]any {
	return map[string]any{
		"query_string": map[string]any{"query": query},
	}
}

// LuceneEnvelope is the structured search body for a Lucene query.
func LuceneEnvelope(query string) map[string]any {
	return map[string]any{"query": QueryStringClause(query)}
}

type dslRenderer struct{}

func (dslRenderer) Render(_ *sigma.Rule, query string, _ Options) ([]byte, error) {
	return json.Marshal(LuceneEnvelope(query))
}
