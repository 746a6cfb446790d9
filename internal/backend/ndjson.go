package backend

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// savedObjectNamespace seeds deterministic saved-object ids.
var savedObjectNamespace = uuid.MustParse("6f0b1c5e-3d2a-5b8e-9c47-1a2b3c4d5e6f")

// SavedObjectID derives a stable id from the rule id, or the title when the rule has none.
func SavedObjectID(rule *sigma.Rule) string {
	key := rule.ID
	if key == "" {
		key = rule.Title
	}
	return uuid.NewSHA1(savedObjectNamespace, []byte("search:"+key)).String()
}

type savedSearch struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Attributes       searchAttributes  `json:"attributes"`
	References       []objectReference `json:"references"`
	MigrationVersion map[string]string `json:"migrationVersion"`
}

type searchAttributes struct {
	Title                 string            `json:"title"`
	Description           string            `json:"description"`
	Hits                  int               `json:"hits"`
	Columns               []string          `json:"columns"`
	Sort                  [][]string        `json:"sort"`
	Version               int               `json:"version"`
	KibanaSavedObjectMeta map[string]string `json:"kibanaSavedObjectMeta"`
}

type objectReference struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type ndjsonRenderer struct{}

// Render emits one saved-search line ready for the Dashboards import API.
func (ndjsonRenderer) Render(rule *sigma.Rule, query string, opts Options) ([]byte, error) {
	patternID := opts.IndexPatternID
	if patternID == "" {
		if len(opts.Indices) == 0 {
			return nil, fmt.Errorf("saved search requires an index pattern")
		}
		patternID = opts.Indices[0]
	}
	tsField := opts.TimestampField
	if tsField == "" {
		tsField = "@timestamp"
	}

	source, err := json.Marshal(map[string]any{
		"indexRefName": "kibanaSavedObjectMeta.searchSourceJSON.index",
		"filter":       []any{},
		"highlightAll": true,
		"version":      true,
		"query": map[string]string{
			"query":    query,
			"language": "lucene",
		},
	})
	if err != nil {
		return nil, err
	}

	obj := savedSearch{
		ID:   SavedObjectID(rule),
		Type: "search",
		Attributes: searchAttributes{
			Title:       "SIGMA - " + rule.Title,
			Description: rule.Description,
			Columns:     []string{},
			Sort:        [][]string{{tsField, "desc"}},
			Version:     1,
			KibanaSavedObjectMeta: map[string]string{
				"searchSourceJSON": string(source),
			},
		},
		References: []objectReference{{
			ID:   patternID,
			Name: "kibanaSavedObjectMeta.searchSourceJSON.index",
			Type: "index-pattern",
		}},
		MigrationVersion: map[string]string{"search": "7.9.3"},
	}

	line, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
