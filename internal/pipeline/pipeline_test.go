package pipeline

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

func processCreation() *sigma.Rule {
	return &sigma.Rule{
		Title:     "Whoami Execution",
		Level:     sigma.LevelMedium,
		LogSource: sigma.LogSource{Category: "process_creation", Product: "windows"},
		Detection: &sigma.FieldMatch{Field: "Image", Modifiers: []string{"endswith"}, Values: []string{`\whoami.exe`}},
	}
}

func TestWindowsSysmon_ProcessCreation(t *testing.T) {
	rule := processCreation()

	out, err := WindowsSysmon().Apply(rule)
	require.NoError(t, err)

	assert.Equal(t, "windows", out.LogSource.Product)
	assert.Equal(t, "sysmon", out.LogSource.Service)

	root, ok := out.Detection.(*sigma.AndExpr)
	require.True(t, ok)
	require.Len(t, root.X, 2)
	assert.Equal(t, &sigma.FieldMatch{Field: "EventID", Values: []string{"1"}}, root.X[0])
	assert.Same(t, rule.Detection, root.X[1])

	// input untouched
	assert.Empty(t, rule.LogSource.Service)
	assert.IsType(t, &sigma.FieldMatch{}, rule.Detection)
}

func TestWindowsSysmon_Deterministic(t *testing.T) {
	rule := processCreation()
	p := WindowsSysmon()

	first, err := p.Apply(rule)
	require.NoError(t, err)
	second, err := p.Apply(rule)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWindowsSysmon_MappingCompleteness(t *testing.T) {
	p := WindowsSysmon()
	multi := map[string]bool{
		"sysmon_status":  true,
		"registry_event": true,
		"pipe_created":   true,
		"wmi_event":      true,
		"file_delete":    true,
	}

	for _, c := range SysmonCategories {
		t.Run(c.Category, func(t *testing.T) {
			rule := processCreation()
			rule.LogSource.Category = c.Category

			out, err := p.Apply(rule)
			require.NoError(t, err)

			injected := out.Detection.(*sigma.AndExpr).X[0]
			want := make([]string, len(c.EventIDs))
			for i, id := range c.EventIDs {
				want[i] = strconv.Itoa(id)
			}

			if len(c.EventIDs) == 1 {
				assert.False(t, multi[c.Category])
				fm := injected.(*sigma.FieldMatch)
				assert.Equal(t, "EventID", fm.Field)
				assert.Equal(t, want, fm.Values)
				return
			}

			assert.True(t, multi[c.Category])
			group, ok := injected.(*sigma.OrExpr)
			require.True(t, ok, "expected OR-group, got %T", injected)
			var got []string
			for _, x := range group.X {
				fm := x.(*sigma.FieldMatch)
				assert.Equal(t, "EventID", fm.Field)
				got = append(got, fm.Values...)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestPipeline_UnmappedCategory(t *testing.T) {
	rule := processCreation()
	rule.LogSource.Category = "ps_script"

	t.Run("falls through by default", func(t *testing.T) {
		out, err := WindowsSysmon().Apply(rule)
		require.NoError(t, err)
		assert.Same(t, rule, out)
	})

	t.Run("fails when required", func(t *testing.T) {
		p := WindowsSysmon()
		p.FailOnUnmapped = true

		_, err := p.Apply(rule)
		assert.True(t, errors.Is(err, ErrUnmappedLogsource))
	})

	t.Run("out of scope product is ignored", func(t *testing.T) {
		p := WindowsSysmon()
		p.FailOnUnmapped = true
		linux := rule.Clone()
		linux.LogSource.Product = "linux"

		out, err := p.Apply(linux)
		require.NoError(t, err)
		assert.Same(t, linux, out)
	})
}

func TestPipeline_AllMatchingRulesApply(t *testing.T) {
	p := &Pipeline{
		Name: "two-step",
		Rules: []RewriteRule{
			{When: Condition{Category: "process_creation"}, Field: "EventID", Values: []string{"1"}},
			{When: Condition{Product: "windows"}, Field: "Channel", Values: []string{"Microsoft-Windows-Sysmon/Operational"}, Service: "sysmon"},
			{When: Condition{Product: "linux"}, Field: "never", Values: []string{"x"}},
		},
	}

	out, err := p.Apply(processCreation())
	require.NoError(t, err)

	outer := out.Detection.(*sigma.AndExpr)
	assert.Equal(t, "Channel", outer.X[0].(*sigma.FieldMatch).Field)
	inner := outer.X[1].(*sigma.AndExpr)
	assert.Equal(t, "EventID", inner.X[0].(*sigma.FieldMatch).Field)
	assert.Equal(t, "sysmon", out.LogSource.Service)
}

func TestPipeline_FieldMappings(t *testing.T) {
	p := WindowsSysmon()
	p.FieldMappings = map[string]string{"Image": "process.executable", "EventID": "winlog.event_id"}

	out, err := p.Apply(processCreation())
	require.NoError(t, err)

	root := out.Detection.(*sigma.AndExpr)
	assert.Equal(t, "winlog.event_id", root.X[0].(*sigma.FieldMatch).Field)
	assert.Equal(t, "process.executable", root.X[1].(*sigma.FieldMatch).Field)
}

func TestPipeline_EmptyDetectionStaysEmpty(t *testing.T) {
	rule := processCreation()
	rule.Detection = nil

	out, err := WindowsSysmon().Apply(rule)
	require.NoError(t, err)
	assert.True(t, sigma.IsEmpty(out.Detection))
	assert.Equal(t, "sysmon", out.LogSource.Service)
}

func TestChain_PriorityOrder(t *testing.T) {
	late := &Pipeline{Name: "late", Priority: 50, Rules: []RewriteRule{{Field: "Tenant", Values: []string{"acme"}}}}
	early := &Pipeline{Name: "early", Priority: 5, Rules: []RewriteRule{{Field: "Source", Values: []string{"edr"}}}}

	chain := NewChain(late, early)
	require.Equal(t, "early", chain[0].Name)

	out, err := chain.Normalize(processCreation())
	require.NoError(t, err)

	outer := out.Detection.(*sigma.AndExpr)
	assert.Equal(t, "Tenant", outer.X[0].(*sigma.FieldMatch).Field)
	assert.Equal(t, "Source", outer.X[1].(*sigma.AndExpr).X[0].(*sigma.FieldMatch).Field)
}
