package log

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lineShape = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[(INFO|WARNING|ERROR)\] `)

func TestLineShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: InfoLevel, ConsoleOut: &buf}))

	Info("starting run")
	Warn("upstream unreachable")
	Error("module failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Regexp(t, lineShape, line)
	}
	assert.Contains(t, lines[0], "[INFO] starting run")
	assert.Contains(t, lines[1], "[WARNING] upstream unreachable")
	assert.Contains(t, lines[2], "[ERROR] module failed")
}

func TestDualSink(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "update.log")

	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: InfoLevel, FilePath: logPath, ConsoleOut: &buf}))
	Info("hello from both sinks")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from both sinks")
	assert.Contains(t, buf.String(), "hello from both sinks")
}

func TestTruncateVsAppend(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "update.log")

	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: InfoLevel, FilePath: logPath, Truncate: true, ConsoleOut: &buf}))
	Info("first run")
	require.NoError(t, Close())

	// Check mode appends.
	require.NoError(t, Init(Config{Level: InfoLevel, FilePath: logPath, ConsoleOut: &buf}))
	Info("check output")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first run")
	assert.Contains(t, string(data), "check output")

	// A new full run truncates.
	require.NoError(t, Init(Config{Level: InfoLevel, FilePath: logPath, Truncate: true, ConsoleOut: &buf}))
	Info("second run")
	require.NoError(t, Close())

	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first run")
	assert.Contains(t, string(data), "second run")
}

func TestModuleField(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: InfoLevel, ConsoleOut: &buf}))

	WithModule("website").Info().Msg("line from child")
	assert.Contains(t, buf.String(), "module=website")
}
