package types

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ModuleMetadata is the orchestrator-owned half of a module manifest.
type ModuleMetadata struct {
	SchemaVersion  *semver.Version `json:"schema_version"`
	ContentVersion *semver.Version `json:"content_version,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Enabled        bool            `json:"enabled"`
	Priority       *int            `json:"priority,omitempty"`
	Components     map[string]bool `json:"components,omitempty"`
}

// DefaultPriority is used when a manifest omits priority.
// Lower priorities run first.
const DefaultPriority = 100

// EffectivePriority returns the declared priority or the default.
func (m *ModuleMetadata) EffectivePriority() int {
	if m.Priority != nil {
		return *m.Priority
	}
	return DefaultPriority
}

// Manifest is a parsed module manifest (index.json). The config subtree
// is opaque to the orchestrator except for the well-known "backup",
// "timeout_seconds" and "restart_orchestrator" keys.
type Manifest struct {
	Metadata ModuleMetadata             `json:"metadata"`
	Config   map[string]json.RawMessage `json:"config,omitempty"`

	// Dir is the absolute module directory. Not part of the manifest document.
	Dir string `json:"-"`
}

// BackupSpec is the declared backup set a module asks for before it runs.
// It lives under config.backup in the manifest.
type BackupSpec struct {
	Files     []string       `json:"files,omitempty"`
	Services  []string       `json:"services,omitempty"`
	Databases []DatabaseSpec `json:"databases,omitempty"`
}

// Empty reports whether nothing is declared.
func (s BackupSpec) Empty() bool {
	return len(s.Files) == 0 && len(s.Services) == 0 && len(s.Databases) == 0
}

// BackupSpec extracts the declared backup set from the manifest config.
// A missing or null backup key yields an empty spec.
func (m *Manifest) BackupSpec() (BackupSpec, error) {
	var spec BackupSpec
	raw, ok := m.Config["backup"]
	if !ok || len(raw) == 0 {
		return spec, nil
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return BackupSpec{}, err
	}
	return spec, nil
}

// TimeoutSeconds returns the per-module timeout override, or 0 when the
// manifest does not set config.timeout_seconds.
func (m *Manifest) TimeoutSeconds() int {
	raw, ok := m.Config["timeout_seconds"]
	if !ok {
		return 0
	}
	var secs int
	if err := json.Unmarshal(raw, &secs); err != nil || secs < 0 {
		return 0
	}
	return secs
}

// RestartOrchestrator reports whether a schema refresh of this module
// requires the orchestrator to re-exec (config.restart_orchestrator).
func (m *Manifest) RestartOrchestrator() bool {
	raw, ok := m.Config["restart_orchestrator"]
	if !ok {
		return false
	}
	var restart bool
	if err := json.Unmarshal(raw, &restart); err != nil {
		return false
	}
	return restart
}

// DatabaseEngine identifies a supported relational engine.
type DatabaseEngine string

const (
	EngineMySQL    DatabaseEngine = "mysql"
	EnginePostgres DatabaseEngine = "postgres"
)

// DumpExt returns the dump file extension for the engine.
func (e DatabaseEngine) DumpExt() string {
	switch e {
	case EnginePostgres:
		return "pgdump"
	default:
		return "sql"
	}
}

// DatabaseSpec declares one database a module wants captured.
type DatabaseSpec struct {
	Type DatabaseEngine `json:"type"`
	Name string         `json:"name"`
	User string         `json:"user,omitempty"`
	Host string         `json:"host,omitempty"`
	Port int            `json:"port,omitempty"`
}

// ServiceState captures a systemd unit's recorded state.
type ServiceState struct {
	Unit    string `json:"unit"`
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
}

// BackupInfo is the info.json manifest written into every backup slot.
type BackupInfo struct {
	Module      string         `json:"module"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description,omitempty"`
	Files       []string       `json:"files"`
	Services    []string       `json:"services"`
	Databases   []DatabaseSpec `json:"databases"`
	Checksum    string         `json:"checksum"`
}

// StatusEnvelope is the structured status line a module prints on stdout.
type StatusEnvelope struct {
	Success         bool   `json:"success"`
	Updated         *bool  `json:"updated,omitempty"`
	OldVersion      string `json:"old_version,omitempty"`
	NewVersion      string `json:"new_version,omitempty"`
	RestartRequired bool   `json:"restart_required,omitempty"`
	Error           string `json:"error,omitempty"`
}

// RunPhase names the phase a module was processed in.
type RunPhase string

const (
	PhaseSchemaUpdate RunPhase = "schema-update"
	PhaseExecute      RunPhase = "execute"
	PhaseSkipped      RunPhase = "skipped"
)

// Outcome classifies how a module run ended. These are the summary states
// the operator sees at the end of every run.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeNoChange            Outcome = "no-change"
	OutcomeFailedRestored      Outcome = "failed (restored)"
	OutcomeFailedRestoreFailed Outcome = "failed (restore failed)"
	OutcomeSkipped             Outcome = "skipped"
	OutcomeTimedOut            Outcome = "timed-out"
)

// Failed reports whether the outcome counts against the run's exit code.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeOK, OutcomeNoChange:
		return false
	}
	return true
}

// RunRecord is the in-memory execution record kept per module per run.
type RunRecord struct {
	Module     string
	Phase      RunPhase
	StartedAt  time.Time
	FinishedAt time.Time
	ExitStatus int
	Restored   bool
	Outcome    Outcome
	Message    string
}
