package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where Runtime is loaded from unless overridden.
const DefaultConfigPath = "/etc/steward/config.yaml"

// Runtime holds every path and upstream setting the orchestrator needs.
// It is constructed once at startup and passed explicitly to each component
// constructor; there are no process-wide singletons.
type Runtime struct {
	// InstallRoot is the orchestrator's installation directory.
	InstallRoot string `yaml:"install_root"`

	// ModulesRoot is the installed modules tree (<install_root>/modules
	// when empty).
	ModulesRoot string `yaml:"modules_root"`

	// BackupsRoot holds module_backups.json and the per-module slots.
	BackupsRoot string `yaml:"backups_root"`

	// StagingDir is the upstream working copy, retained across runs.
	StagingDir string `yaml:"staging_dir"`

	// LogPath is the single well-known run log.
	LogPath string `yaml:"log_path"`

	// LockPath is the advisory lockfile guaranteeing one instance per host.
	LockPath string `yaml:"lock_path"`

	// JournalPath is the bbolt run journal database.
	JournalPath string `yaml:"journal_path"`

	// MetricsPath is the textfile the run metrics are exported to.
	// Empty disables the export.
	MetricsPath string `yaml:"metrics_path"`

	// UpstreamURL and UpstreamBranch identify the source-of-truth repository.
	UpstreamURL    string `yaml:"upstream_url"`
	UpstreamBranch string `yaml:"upstream_branch"`

	// ModuleTimeout is the default per-module execution budget.
	ModuleTimeout Duration `yaml:"module_timeout"`
}

// Duration is a time.Duration that unmarshals from yaml strings like "10m".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a bare second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Runtime {
	return Runtime{
		InstallRoot:    "/usr/local/lib/steward",
		BackupsRoot:    "/var/lib/steward/backups",
		StagingDir:     "/var/lib/steward/staging",
		LogPath:        "/var/log/steward/update.log",
		LockPath:       "/run/steward.lock",
		JournalPath:    "/var/lib/steward/journal.db",
		MetricsPath:    "/var/lib/steward/backups/steward_metrics.prom",
		UpstreamBranch: "master",
		ModuleTimeout:  Duration(10 * time.Minute),
	}
}

// Load reads the config file at path, overlaying it on the defaults.
// A missing file yields the defaults unchanged.
func Load(path string) (Runtime, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Runtime{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Runtime{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate fills derived paths and rejects unusable configurations.
func (r *Runtime) Validate() error {
	if r.InstallRoot == "" {
		return fmt.Errorf("install_root must be set")
	}
	if r.ModulesRoot == "" {
		r.ModulesRoot = filepath.Join(r.InstallRoot, "modules")
	}
	if r.BackupsRoot == "" {
		return fmt.Errorf("backups_root must be set")
	}
	if r.StagingDir == "" {
		return fmt.Errorf("staging_dir must be set")
	}
	if r.LockPath == "" {
		return fmt.Errorf("lock_path must be set")
	}
	if r.ModuleTimeout <= 0 {
		r.ModuleTimeout = Duration(10 * time.Minute)
	}
	if r.UpstreamBranch == "" {
		r.UpstreamBranch = "master"
	}
	return nil
}

// StagingModulesRoot is the modules tree inside the staging working copy.
func (r *Runtime) StagingModulesRoot() string {
	return filepath.Join(r.StagingDir, "modules")
}
