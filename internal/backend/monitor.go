package backend

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

// TriggerCondition fires a monitor when its search returned any hit.
const TriggerCondition = "ctx.results[0].hits.total.value > 0"

// Monitor is an OpenSearch Alerting query-level monitor.
type Monitor struct {
	Type        string          `json:"type"`
	MonitorType string          `json:"monitor_type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Schedule    MonitorSchedule `json:"schedule"`
	Inputs      []MonitorInput  `json:"inputs"`
	Tags        []string        `json:"tags,omitempty"`
	Triggers    []Trigger       `json:"triggers"`
}

type MonitorSchedule struct {
	Period SchedulePeriod `json:"period"`
}

type SchedulePeriod struct {
	Interval int    `json:"interval"`
	Unit     string `json:"unit"`
}

type MonitorInput struct {
	Search SearchInput `json:"search"`
}

type SearchInput struct {
	Indices []string       `json:"indices"`
	Query   map[string]any `json:"query"`
}

type Trigger struct {
	Name      string        `json:"name"`
	Severity  string        `json:"severity"`
	Condition TriggerScript `json:"condition"`
	Actions   []any         `json:"actions"`
}

type TriggerScript struct {
	Script Script `json:"script"`
}

type Script struct {
	Source string `json:"source"`
	Lang   string `json:"lang"`
}

// Severity maps a rule level to a monitor severity: critical is 1, informational is 5.
// Rules without a recognised level get 1.
func Severity(level sigma.Level) int {
	rank := level.Rank()
	if rank == 0 {
		return 1
	}
	return 6 - rank
}

// MonitorTags renders rule tags as "namespace-name".
func MonitorTags(rule *sigma.Rule) []string {
	var tags []string
	for _, t := range rule.ParsedTags() {
		if t.Namespace == "" {
			tags = append(tags, t.Name)
			continue
		}
		tags = append(tags, t.Namespace+"-"+t.Name)
	}
	return tags
}

// BuildMonitor wraps query in a monitor polling opts.Indices.
func BuildMonitor(rule *sigma.Rule, query string, opts Options) (*Monitor, error) {
	if len(opts.Indices) == 0 {
		return nil, fmt.Errorf("monitor requires at least one index")
	}
	if opts.ScheduleInterval <= 0 {
		return nil, fmt.Errorf("monitor schedule interval must be positive")
	}
	unit := opts.ScheduleUnit
	if unit == "" {
		unit = "MINUTES"
	}
	tsField := opts.TimestampField
	if tsField == "" {
		tsField = "@timestamp"
	}

	search := map[string]any{
		"size": 1,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{
						"range": map[string]any{
							tsField: map[string]any{
								"gte":    "{{period_end}}||-" + strconv.Itoa(opts.ScheduleInterval) + unitSuffix(unit),
								"lte":    "{{period_end}}",
								"format": "epoch_millis",
							},
						},
					},
					map[string]any{
						"query_string": map[string]any{"query": query},
					},
				},
			},
		},
	}

	return &Monitor{
		Type:        "monitor",
		MonitorType: "query_level_monitor",
		Name:        rule.Title,
		Description: rule.Description,
		Enabled:     opts.Enabled,
		Schedule:    MonitorSchedule{Period: SchedulePeriod{Interval: opts.ScheduleInterval, Unit: unit}},
		Inputs:      []MonitorInput{{Search: SearchInput{Indices: opts.Indices, Query: search}}},
		Tags:        MonitorTags(rule),
		Triggers: []Trigger{{
			Name:      rule.Title,
			Severity:  strconv.Itoa(Severity(rule.Level)),
			Condition: TriggerScript{Script: Script{Source: TriggerCondition, Lang: "painless"}},
			Actions:   []any{},
		}},
	}, nil
}

func unitSuffix(unit string) string {
	switch unit {
	case "HOURS":
		return "h"
	case "DAYS":
		return "d"
	default:
		return "m"
	}
}

type monitorRenderer struct{}

func (monitorRenderer) Render(rule *sigma.Rule, query string, opts Options) ([]byte, error) {
	m, err := BuildMonitor(rule, query, opts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
