package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/output"
)

const whoamiYAML = `title: Whoami Execution
level: high
logsource:
  category: process_creation
  product: windows
detection:
  selection:
    Image|endswith: '\whoami.exe'
  condition: selection
`

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"serve": false, "migrate": false, "ingest": false,
		"compile": false, "run": false, "jobs": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "command %q not registered", name)
	}

	var subs []string
	for _, c := range jobsCmd.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "create", "activate", "deactivate", "interval", "delete"}, subs)
}

// execute runs the root command against an in-memory job store and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  type: memory\nlogging:\n  level: error\n"), 0o644))

	var out bytes.Buffer
	oldOut, oldNoColor := output.Out, color.NoColor
	output.Out, color.NoColor = &out, true
	t.Cleanup(func() { output.Out, color.NoColor = oldOut, oldNoColor })

	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeRule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proc_whoami.yml")
	require.NoError(t, os.WriteFile(path, []byte(whoamiYAML), 0o644))
	return path
}

func TestCompileCommand(t *testing.T) {
	rule := writeRule(t)

	out, err := execute(t, "compile", "--format", "default", rule)
	require.NoError(t, err)
	assert.Equal(t, "EventID:1 AND Image:*\\\\whoami.exe\n", out)

	out, err = execute(t, "compile", "--format", "monitor_rule", rule)
	require.NoError(t, err)
	var monitor map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &monitor))
	assert.Equal(t, "Whoami Execution", monitor["name"])
}

func TestCompileCommand_UnknownFormat(t *testing.T) {
	_, err := execute(t, "compile", "--format", "sql", writeRule(t))
	assert.Error(t, err)
}

func TestJobsCreateCommand(t *testing.T) {
	out, err := execute(t, "jobs", "create", "R1", "EventID:1", "--interval", "5m")
	require.NoError(t, err)
	assert.Contains(t, out, "Created job R1")

	_, err = execute(t, "jobs", "create", "R2", "EventID:1", "--interval", "5w")
	assert.Error(t, err)
}
