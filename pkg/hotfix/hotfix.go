package hotfix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/state"
	"github.com/steward-sh/steward/pkg/types"
)

// DefaultClosureTimeout bounds each closure command.
const DefaultClosureTimeout = 300 * time.Second

// Operation is one source-to-destination file replacement within a pool.
// Source is relative to the module's src/ directory.
type Operation struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Pool is a group of file replacements validated and rolled back as a unit.
type Pool struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Operations  []Operation `json:"operations"`
	Closure     []string    `json:"closure,omitempty"`
}

// Config is the driver's manifest config subtree.
type Config struct {
	Pools        []Pool   `json:"pools"`
	FinalClosure []string `json:"finalClosure,omitempty"`
}

// PoolResult records one pool's outcome.
type PoolResult struct {
	Pool       string
	Applied    bool
	RolledBack bool
	Err        error
}

// Result summarizes a driver pass.
type Result struct {
	Pools             []PoolResult
	FinalClosureRan   bool
	FinalClosureError error
}

// OK reports whether every pool applied cleanly.
func (r Result) OK() bool {
	for _, p := range r.Pools {
		if !p.Applied {
			return false
		}
	}
	return true
}

// Driver applies conditional emergency hotfixes: pool-based atomic file
// replacement with per-pool closure validation and rollback through
// StateManager.
type Driver struct {
	moduleDir      string
	state          *state.Manager
	closureTimeout time.Duration
}

// New creates a Driver for the hotfix module at moduleDir.
func New(moduleDir string, st *state.Manager) *Driver {
	return &Driver{moduleDir: moduleDir, state: st, closureTimeout: DefaultClosureTimeout}
}

// Run applies every pool in manifest order. A failing pool is rolled back to
// its pre-run content, its closure is re-run on the restored state, and the
// next pool proceeds as if the failed one were absent. finalClosure runs
// only when every pool succeeded; its failure is logged, never rolled back.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	cfg, err := d.readConfig()
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, pool := range cfg.Pools {
		res.Pools = append(res.Pools, d.applyPool(ctx, pool))
	}

	if res.OK() && len(cfg.FinalClosure) > 0 {
		res.FinalClosureRan = true
		if err := d.runClosure(ctx, cfg.FinalClosure); err != nil {
			res.FinalClosureError = err
			log.WithComponent("hotfix").Error().Err(err).Msg("final closure failed")
		}
	}
	return res, nil
}

func (d *Driver) applyPool(ctx context.Context, pool Pool) PoolResult {
	poolLog := log.WithComponent("hotfix")
	slot := "hotfix_pool_" + pool.ID

	destinations := make([]string, 0, len(pool.Operations))
	for _, op := range pool.Operations {
		destinations = append(destinations, op.Destination)
	}

	if err := d.state.Backup(ctx, slot, pool.Description, types.BackupSpec{Files: destinations}); err != nil {
		poolLog.Error().Str("pool", pool.ID).Err(err).Msg("pool skipped: backup failed")
		return PoolResult{Pool: pool.ID, Err: err}
	}

	err := d.copyOperations(pool)
	if err == nil {
		err = d.runClosure(ctx, pool.Closure)
	}
	if err == nil {
		poolLog.Info().Str("pool", pool.ID).Int("files", len(pool.Operations)).Msg("pool applied")
		return PoolResult{Pool: pool.ID, Applied: true}
	}

	poolLog.Error().Str("pool", pool.ID).Err(err).Msg("pool failed, rolling back")
	// Rollback runs detached: a cancelled run still leaves the pool coherent.
	if restoreErr := d.state.Restore(context.Background(), slot); restoreErr != nil {
		poolLog.Error().Str("pool", pool.ID).Err(restoreErr).Msg("pool rollback failed")
		return PoolResult{Pool: pool.ID, Err: err}
	}

	// Re-run the closure against the restored files so the system settles
	// back on its pre-run baseline.
	if closureErr := d.runClosure(ctx, pool.Closure); closureErr != nil {
		poolLog.Warn().Str("pool", pool.ID).Err(closureErr).
			Msg("closure still failing on restored state")
	}
	return PoolResult{Pool: pool.ID, RolledBack: true, Err: err}
}

// copyOperations replaces each destination with the pool's source file,
// keeping the destination's existing permissions.
func (d *Driver) copyOperations(pool Pool) error {
	for _, op := range pool.Operations {
		src := filepath.Join(d.moduleDir, "src", op.Source)

		mode := os.FileMode(0o644)
		if info, err := os.Stat(op.Destination); err == nil {
			mode = info.Mode().Perm()
		} else if info, err := os.Stat(src); err == nil {
			mode = info.Mode().Perm()
		}

		if err := copyFile(src, op.Destination, mode); err != nil {
			return fmt.Errorf("failed to place %s: %w", op.Destination, err)
		}
	}
	return nil
}

func (d *Driver) runClosure(ctx context.Context, commands []string) error {
	for _, command := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, d.closureTimeout)
		cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
		cmd.Dir = d.moduleDir
		cmd.Stdin = nil

		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output

		err := cmd.Run()
		cancel()
		if err != nil {
			msg := output.String()
			if len(msg) > 400 {
				msg = msg[:400] + "..."
			}
			return fmt.Errorf("closure command %q failed: %w: %s", command, err, msg)
		}
	}
	return nil
}

func (d *Driver) readConfig() (Config, error) {
	data, err := os.ReadFile(filepath.Join(d.moduleDir, "index.json"))
	if err != nil {
		return Config{}, types.Errorf(types.KindManifest, "hotfix manifest unreadable: %v", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, types.Errorf(types.KindManifest, "hotfix manifest malformed: %v", err)
	}

	var cfg Config
	if raw, ok := m.Config["pools"]; ok {
		if err := json.Unmarshal(raw, &cfg.Pools); err != nil {
			return Config{}, types.Errorf(types.KindManifest, "hotfix pools malformed: %v", err)
		}
	}
	if raw, ok := m.Config["finalClosure"]; ok {
		if err := json.Unmarshal(raw, &cfg.FinalClosure); err != nil {
			return Config{}, types.Errorf(types.KindManifest, "finalClosure malformed: %v", err)
		}
	}
	return cfg, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
