package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	RunSuccess.Set(1)
	RunDurationSeconds.Set(42.5)
	ModulesTotal.WithLabelValues("ok").Set(3)
	ModulesTotal.WithLabelValues("failed (restored)").Set(1)
	SchemaRefreshesTotal.Inc()

	path := filepath.Join(t.TempDir(), "steward_metrics.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "steward_run_success 1")
	assert.Contains(t, out, "steward_run_duration_seconds 42.5")
	assert.Contains(t, out, `steward_modules_total{outcome="ok"} 3`)
	assert.Contains(t, out, "steward_schema_refreshes_total")

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteTextfileCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "steward_metrics.prom")
	require.NoError(t, WriteTextfile(path))
	assert.FileExists(t, path)
}
