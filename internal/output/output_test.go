package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	oldOut, oldErr, oldNoColor := Out, ErrOut, color.NoColor
	var out, errOut bytes.Buffer
	Out, ErrOut, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { Out, ErrOut, color.NoColor = oldOut, oldErr, oldNoColor })
	return &out, &errOut
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)

	Success("created %s", "R1")
	Warn("skipped %d", 2)
	Info("plain")
	Error("failed: %s", "boom")

	assert.Equal(t, "✓ created R1\n⚠ skipped 2\nplain\n", out.String())
	assert.Equal(t, "✗ failed: boom\n", errOut.String())
}

func TestTable(t *testing.T) {
	out, _ := capture(t)

	table := NewTable("RULE", "ACTIVE")
	table.AddRow("Whoami Execution", "true")
	table.AddRow("R1", "false")
	table.Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "RULE              ACTIVE  ", lines[0])
	assert.Equal(t, "----------------  ------  ", lines[1])
	assert.Equal(t, "R1                false   ", lines[3])
}

func TestRawAndJSON(t *testing.T) {
	out, _ := capture(t)

	Raw([]byte("EventID:1"))
	require.NoError(t, JSON(map[string]int{"n": 1}))

	assert.Equal(t, "EventID:1\n{\n  \"n\": 1\n}\n", out.String())
}
