package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrationModule(t *testing.T, entries []Entry, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	doc := map[string]interface{}{
		"metadata": map[string]interface{}{
			"schema_version": "1.0.0",
			"name":           "migration",
			"enabled":        true,
			"priority":       1,
		},
		"config": map[string]interface{}{
			"migrations": entries,
			"keep_me":    "untouched",
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	for id, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", id+".sh"),
			[]byte("#!/bin/sh\n"+body+"\n"), 0o755))
	}
	return dir
}

func readCatalogFile(t *testing.T, dir string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var doc struct {
		Config struct {
			Migrations []Entry `json:"migrations"`
			KeepMe     string  `json:"keep_me"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "untouched", doc.Config.KeepMe)
	return doc.Config.Migrations
}

func TestRunSetsLatch(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	dir := writeMigrationModule(t,
		[]Entry{{ID: "00000001", Description: "create marker"}},
		map[string]string{"00000001": fmt.Sprintf("touch %s", marker)})

	res, err := New(dir).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, res.OK())
	assert.FileExists(t, marker)

	catalog := readCatalogFile(t, dir)
	require.Len(t, catalog, 1)
	assert.True(t, catalog[0].HasRun)
}

func TestRunAtMostOnce(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	dir := writeMigrationModule(t,
		[]Entry{{ID: "00000001"}},
		map[string]string{"00000001": fmt.Sprintf("echo x >> %s", counter)})

	d := New(dir)
	_, err := d.Run(context.Background())
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	// Second pass skipped the latched migration.
	assert.Equal(t, "x\n", string(data))
}

func TestFailedMigrationRetriedNextRun(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	dir := writeMigrationModule(t,
		[]Entry{{ID: "00000001"}, {ID: "00000002"}},
		map[string]string{
			"00000001": fmt.Sprintf("test -f %s", gate),
			"00000002": "exit 0",
		})

	d := New(dir)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	// The later migration still ran.
	assert.Equal(t, 1, res.Applied)

	catalog := readCatalogFile(t, dir)
	assert.False(t, catalog[0].HasRun)
	assert.True(t, catalog[1].HasRun)

	// Prerequisite now holds; the retry succeeds and the earlier latch
	// flips without re-running the later migration.
	require.NoError(t, os.WriteFile(gate, nil, 0o644))
	res, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Already)

	catalog = readCatalogFile(t, dir)
	assert.True(t, catalog[0].HasRun)
}

func TestMissingScriptCountsFailed(t *testing.T) {
	dir := writeMigrationModule(t, []Entry{{ID: "00000009"}}, nil)

	res, err := New(dir).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.OK())
}

func TestValidateOrder(t *testing.T) {
	assert.NoError(t, validateOrder([]Entry{{ID: "00000001"}, {ID: "00000002"}}))
	assert.Error(t, validateOrder([]Entry{{ID: "00000002"}, {ID: "00000001"}}))
	assert.Error(t, validateOrder([]Entry{{ID: "00000001"}, {ID: "00000001"}}))
	assert.Error(t, validateOrder([]Entry{{ID: "1"}}))
	assert.Error(t, validateOrder([]Entry{{ID: "0000000a"}}))
}

func TestEmptyCatalog(t *testing.T) {
	dir := writeMigrationModule(t, nil, nil)
	res, err := New(dir).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
