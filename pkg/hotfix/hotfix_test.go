package hotfix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/state"
)

func writeHotfixModule(t *testing.T, cfg Config, sources map[string]string) (string, *state.Manager) {
	t.Helper()
	dir := t.TempDir()

	doc := map[string]interface{}{
		"metadata": map[string]interface{}{
			"schema_version": "1.0.0",
			"name":           "hotfix",
			"enabled":        true,
		},
		"config": map[string]interface{}{
			"pools":        cfg.Pools,
			"finalClosure": cfg.FinalClosure,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	for name, content := range sources {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", name), []byte(content), 0o644))
	}

	return dir, state.New(t.TempDir(), nil, dbdump.NewToolDumper())
}

func TestPoolApplied(t *testing.T) {
	target := t.TempDir()
	dest := filepath.Join(target, "app.conf")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o600))

	cfg := Config{Pools: []Pool{{
		ID:         "config_fix",
		Operations: []Operation{{Source: "app.conf", Destination: dest}},
		Closure:    []string{"true"},
	}}}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"app.conf": "fixed"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	require.Len(t, res.Pools, 1)
	assert.True(t, res.Pools[0].Applied)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fixed", string(data))

	// Destination permissions preserved.
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPoolRollbackOnClosureFailure(t *testing.T) {
	target := t.TempDir()
	a := filepath.Join(target, "a.conf")
	b := filepath.Join(target, "b.conf")
	c := filepath.Join(target, "c.conf")
	for _, p := range []string{a, b, c} {
		require.NoError(t, os.WriteFile(p, []byte("pre"), 0o644))
	}

	cfg := Config{Pools: []Pool{{
		ID: "website_security",
		Operations: []Operation{
			{Source: "new.conf", Destination: a},
			{Source: "new.conf", Destination: b},
			{Source: "new.conf", Destination: c},
		},
		Closure: []string{"exit 1"},
	}}}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"new.conf": "post"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK())
	require.Len(t, res.Pools, 1)
	assert.False(t, res.Pools[0].Applied)
	assert.True(t, res.Pools[0].RolledBack)

	// All three destinations reverted to pre-run bytes.
	for _, p := range []string{a, b, c} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "pre", string(data))
	}
}

func TestLaterPoolProceedsAfterFailure(t *testing.T) {
	target := t.TempDir()
	broken := filepath.Join(target, "broken.conf")
	fine := filepath.Join(target, "fine.conf")
	require.NoError(t, os.WriteFile(broken, []byte("pre"), 0o644))
	require.NoError(t, os.WriteFile(fine, []byte("pre"), 0o644))

	cfg := Config{Pools: []Pool{
		{
			ID:         "website_security",
			Operations: []Operation{{Source: "new.conf", Destination: broken}},
			Closure:    []string{"exit 1"},
		},
		{
			ID:         "backend_config_fix",
			Operations: []Operation{{Source: "new.conf", Destination: fine}},
			Closure:    []string{"true"},
		},
	}}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"new.conf": "post"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Pools, 2)
	assert.False(t, res.Pools[0].Applied)
	assert.True(t, res.Pools[1].Applied)

	data, err := os.ReadFile(fine)
	require.NoError(t, err)
	assert.Equal(t, "post", string(data))
}

func TestFinalClosureOnlyWhenAllPoolsSucceed(t *testing.T) {
	target := t.TempDir()
	dest := filepath.Join(target, "app.conf")
	marker := filepath.Join(target, "final-ran")
	require.NoError(t, os.WriteFile(dest, []byte("pre"), 0o644))

	cfg := Config{
		Pools: []Pool{{
			ID:         "ok_pool",
			Operations: []Operation{{Source: "new.conf", Destination: dest}},
			Closure:    []string{"true"},
		}},
		FinalClosure: []string{fmt.Sprintf("touch %s", marker)},
	}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"new.conf": "post"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FinalClosureRan)
	assert.NoError(t, res.FinalClosureError)
	assert.FileExists(t, marker)
}

func TestFinalClosureSkippedAfterPoolFailure(t *testing.T) {
	target := t.TempDir()
	dest := filepath.Join(target, "app.conf")
	marker := filepath.Join(target, "final-ran")
	require.NoError(t, os.WriteFile(dest, []byte("pre"), 0o644))

	cfg := Config{
		Pools: []Pool{{
			ID:         "bad_pool",
			Operations: []Operation{{Source: "new.conf", Destination: dest}},
			Closure:    []string{"exit 1"},
		}},
		FinalClosure: []string{fmt.Sprintf("touch %s", marker)},
	}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"new.conf": "post"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.FinalClosureRan)
	assert.NoFileExists(t, marker)
}

func TestFinalClosureFailureDoesNotRollBack(t *testing.T) {
	target := t.TempDir()
	dest := filepath.Join(target, "app.conf")
	require.NoError(t, os.WriteFile(dest, []byte("pre"), 0o644))

	cfg := Config{
		Pools: []Pool{{
			ID:         "ok_pool",
			Operations: []Operation{{Source: "new.conf", Destination: dest}},
			Closure:    []string{"true"},
		}},
		FinalClosure: []string{"exit 7"},
	}
	dir, st := writeHotfixModule(t, cfg, map[string]string{"new.conf": "post"})

	res, err := New(dir, st).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FinalClosureRan)
	assert.Error(t, res.FinalClosureError)

	// Pool content stays applied.
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "post", string(data))
}
