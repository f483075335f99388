package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/types"
)

// DefaultScriptTimeout bounds each migration script.
const DefaultScriptTimeout = 600 * time.Second

// idPattern is the zero-padded 8-digit migration identifier.
var idPattern = regexp.MustCompile(`^\d{8}$`)

// Entry is one row of the migration catalog in the driver's manifest.
type Entry struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	HasRun      bool   `json:"has_run"`
}

// Result summarizes one driver pass.
type Result struct {
	Applied int
	Failed  int
	Already int
}

// OK reports whether every pending migration reached has_run.
func (r Result) OK() bool {
	return r.Failed == 0
}

// Driver executes the numbered migration scripts of its module directory.
// Each migration runs at most once ever: has_run is a monotonic latch the
// driver sets after a zero exit and never resets.
type Driver struct {
	moduleDir     string
	scriptTimeout time.Duration
}

// New creates a Driver for the migration module at moduleDir.
func New(moduleDir string) *Driver {
	return &Driver{moduleDir: moduleDir, scriptTimeout: DefaultScriptTimeout}
}

// Run walks the catalog in strict ascending id order and executes every
// entry whose has_run is false. A failing script is logged and left false so
// the next orchestrator run retries it; later migrations still execute.
// The latch is persisted after every success, not at the end, so a crash
// mid-pass never replays a completed migration.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	entries, err := d.readCatalog()
	if err != nil {
		return Result{}, err
	}
	if err := validateOrder(entries); err != nil {
		return Result{}, err
	}

	driverLog := log.WithComponent("migrate")
	var res Result

	for i, entry := range entries {
		if entry.HasRun {
			res.Already++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, types.WrapKind(types.KindInternal, err)
		}

		script := filepath.Join(d.moduleDir, "src", entry.ID+".sh")
		if _, err := os.Stat(script); err != nil {
			driverLog.Error().
				Str("id", entry.ID).
				Msg("migration script missing")
			res.Failed++
			continue
		}

		driverLog.Info().
			Str("id", entry.ID).
			Str("description", entry.Description).
			Msg("running migration")

		if err := d.runScript(ctx, script, entry.ID); err != nil {
			driverLog.Error().
				Str("id", entry.ID).
				Err(err).
				Msg("migration failed, will retry next run")
			res.Failed++
			continue
		}

		entries[i].HasRun = true
		if err := d.writeCatalog(entries); err != nil {
			return res, types.Errorf(types.KindInternal,
				"migration %s succeeded but latch not persisted: %v", entry.ID, err)
		}
		res.Applied++
		driverLog.Info().Str("id", entry.ID).Msg("migration complete")
	}
	return res, nil
}

func (d *Driver) runScript(ctx context.Context, script, id string) error {
	runCtx, cancel := context.WithTimeout(ctx, d.scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, script)
	cmd.Dir = d.moduleDir
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scriptLog := log.Logger.With().Str("component", "migrate").Str("id", id).Logger()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			scriptLog.Info().Str("stream", "stdout").Msg(scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			scriptLog.Warn().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script exceeded %s budget", d.scriptTimeout)
		}
		return err
	}
	return nil
}

// readCatalog pulls config.migrations from the driver's own manifest.
func (d *Driver) readCatalog() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(d.moduleDir, "index.json"))
	if err != nil {
		return nil, types.Errorf(types.KindManifest, "migration manifest unreadable: %v", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.Errorf(types.KindManifest, "migration manifest malformed: %v", err)
	}

	raw, ok := m.Config["migrations"]
	if !ok {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, types.Errorf(types.KindManifest, "migration catalog malformed: %v", err)
	}
	return entries, nil
}

// writeCatalog rewrites config.migrations, preserving everything else in the
// manifest document.
func (d *Driver) writeCatalog(entries []Entry) error {
	path := filepath.Join(d.moduleDir, "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var cfg map[string]json.RawMessage
	if raw, ok := doc["config"]; ok {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return err
		}
	} else {
		cfg = make(map[string]json.RawMessage)
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	cfg["migrations"] = encoded

	cfgData, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	doc["config"] = cfgData

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func validateOrder(entries []Entry) error {
	last := ""
	for _, entry := range entries {
		if !idPattern.MatchString(entry.ID) {
			return types.Errorf(types.KindManifest, "invalid migration id %q", entry.ID)
		}
		if entry.ID <= last {
			return types.Errorf(types.KindManifest,
				"migration ids not strictly ascending: %s after %s", entry.ID, last)
		}
		last = entry.ID
	}
	return nil
}
