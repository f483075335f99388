package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/systemd"
	"github.com/steward-sh/steward/pkg/types"
)

const (
	indexFile    = "module_backups.json"
	infoFile     = "info.json"
	servicesFile = "services.json"
	filesDir     = "files"
	databasesDir = "databases"
	slotSuffix   = "_backup"
)

// Manager owns the backups root: one slot per module, plus the index.
// Methods are serialized by the orchestrator's global lock; the Manager is
// not internally thread-safe.
type Manager struct {
	root    string
	systemd systemd.Manager
	dumper  dbdump.Dumper
}

// New creates a Manager rooted at root. The directory is created on first use.
func New(root string, sysd systemd.Manager, dumper dbdump.Dumper) *Manager {
	return &Manager{root: root, systemd: sysd, dumper: dumper}
}

func (m *Manager) slotDir(module string) string {
	return filepath.Join(m.root, module+slotSuffix)
}

// Backup snapshots the declared files, services, and databases into the
// module's slot. Any existing slot is removed first (single-slot invariant);
// a failure mid-write removes the partial slot, which can leave the module
// with no backup at all — the caller sees that through the returned error.
func (m *Manager) Backup(ctx context.Context, module, description string, spec types.BackupSpec) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return types.Errorf(types.KindBackup, "backups root unavailable: %v", err)
	}

	slot := m.slotDir(module)
	if err := os.RemoveAll(slot); err != nil {
		return types.Errorf(types.KindBackup, "failed to clear previous slot: %v", err)
	}
	if err := m.removeIndexEntry(module); err != nil {
		return types.Errorf(types.KindBackup, "failed to update index: %v", err)
	}

	if err := m.writePayload(ctx, slot, module, spec); err != nil {
		os.RemoveAll(slot)
		return types.WrapKind(types.KindBackup, err)
	}

	checksum, err := hashPayload(slot)
	if err != nil {
		os.RemoveAll(slot)
		return types.Errorf(types.KindBackup, "failed to hash payload: %v", err)
	}

	info := types.BackupInfo{
		Module:      module,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Files:       spec.Files,
		Services:    spec.Services,
		Databases:   spec.Databases,
		Checksum:    checksum,
	}

	// info.json last: its presence marks the slot committed.
	if err := writeJSONAtomic(filepath.Join(slot, infoFile), info); err != nil {
		os.RemoveAll(slot)
		return types.Errorf(types.KindBackup, "failed to write slot manifest: %v", err)
	}
	if err := m.putIndexEntry(module, info); err != nil {
		return types.Errorf(types.KindBackup, "failed to update index: %v", err)
	}

	log.WithComponent("state").Info().
		Str("module", module).
		Int("files", len(spec.Files)).
		Int("services", len(spec.Services)).
		Int("databases", len(spec.Databases)).
		Msg("backup slot written")
	return nil
}

func (m *Manager) writePayload(ctx context.Context, slot, module string, spec types.BackupSpec) error {
	for _, path := range spec.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		shadow := filepath.Join(slot, filesDir, path)
		if err := copyTree(path, shadow); err != nil {
			return fmt.Errorf("failed to shadow %s: %w", path, err)
		}
	}

	if len(spec.Services) > 0 {
		if m.systemd == nil {
			return fmt.Errorf("services declared but systemd is unavailable")
		}
		states := make([]types.ServiceState, 0, len(spec.Services))
		for _, unit := range spec.Services {
			st, err := m.systemd.UnitState(ctx, unit)
			if err != nil {
				return fmt.Errorf("failed to capture service %s: %w", unit, err)
			}
			states = append(states, st)
		}
		if err := os.MkdirAll(slot, 0o755); err != nil {
			return err
		}
		if err := writeJSONAtomic(filepath.Join(slot, servicesFile), states); err != nil {
			return fmt.Errorf("failed to write service states: %w", err)
		}
	}

	for i, db := range spec.Databases {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := filepath.Join(slot, databasesDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		dest := filepath.Join(dir, fmt.Sprintf("db_%d.%s", i, db.Type.DumpExt()))
		if err := m.dumper.Dump(ctx, db, dest); err != nil {
			return fmt.Errorf("failed to dump database %s: %w", db.Name, err)
		}
	}

	// A spec with nothing declared still commits an empty slot so the
	// module's run is restorable as a no-op.
	return os.MkdirAll(slot, 0o755)
}

// Restore replays the module's slot over the live system in the fixed order
// files, services, databases. The first failing step aborts and the error
// names the step; the module is left in whatever state the restore reached.
func (m *Manager) Restore(ctx context.Context, module string) error {
	info, err := m.GetInfo(module)
	if err != nil {
		return err
	}
	slot := m.slotDir(module)

	// Verify payload integrity before touching the live system.
	checksum, err := hashPayload(slot)
	if err != nil {
		return types.Errorf(types.KindRestore, "step verify: failed to hash slot: %v", err)
	}
	if checksum != info.Checksum {
		return types.Errorf(types.KindRestore, "step verify: slot checksum mismatch")
	}

	for _, path := range info.Files {
		shadow := filepath.Join(slot, filesDir, path)
		if err := os.RemoveAll(path); err != nil {
			return types.Errorf(types.KindRestore, "step files: failed to clear %s: %v", path, err)
		}
		if err := copyTree(shadow, path); err != nil {
			return types.Errorf(types.KindRestore, "step files: failed to restore %s: %v", path, err)
		}
	}

	if len(info.Services) > 0 {
		if m.systemd == nil {
			return types.Errorf(types.KindRestore, "step services: systemd is unavailable")
		}
		states, err := m.readServiceStates(slot)
		if err != nil {
			return types.Errorf(types.KindRestore, "step services: %v", err)
		}
		for _, st := range states {
			if err := m.systemd.ApplyState(ctx, st); err != nil {
				return types.Errorf(types.KindRestore, "step services: %v", err)
			}
		}
	}

	for i, db := range info.Databases {
		src := filepath.Join(slot, databasesDir, fmt.Sprintf("db_%d.%s", i, db.Type.DumpExt()))
		if err := m.dumper.Restore(ctx, db, src); err != nil {
			return types.Errorf(types.KindRestore, "step databases: failed to restore %s: %v", db.Name, err)
		}
	}

	log.WithComponent("state").Info().Str("module", module).Msg("backup slot restored")
	return nil
}

func (m *Manager) readServiceStates(slot string) ([]types.ServiceState, error) {
	data, err := os.ReadFile(filepath.Join(slot, servicesFile))
	if err != nil {
		return nil, fmt.Errorf("service states unreadable: %w", err)
	}
	var states []types.ServiceState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("service states malformed: %w", err)
	}
	return states, nil
}

// HasBackup reports whether a committed slot exists for the module.
func (m *Manager) HasBackup(module string) bool {
	_, err := os.Stat(filepath.Join(m.slotDir(module), infoFile))
	return err == nil
}

// GetInfo reads the slot manifest for the module.
func (m *Manager) GetInfo(module string) (types.BackupInfo, error) {
	data, err := os.ReadFile(filepath.Join(m.slotDir(module), infoFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.BackupInfo{}, types.Errorf(types.KindNotFound, "no backup slot for %s", module)
		}
		return types.BackupInfo{}, types.Errorf(types.KindRestore, "slot manifest unreadable: %v", err)
	}
	var info types.BackupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return types.BackupInfo{}, types.Errorf(types.KindRestore, "slot manifest malformed: %v", err)
	}
	return info, nil
}

// List returns the backups index: module name to latest slot manifest.
func (m *Manager) List() (map[string]types.BackupInfo, error) {
	return m.readIndex()
}

// Purge removes the module's slot and its index entry. Returns false when no
// slot existed.
func (m *Manager) Purge(module string) (bool, error) {
	existed := m.HasBackup(module)
	if err := os.RemoveAll(m.slotDir(module)); err != nil {
		return false, types.Errorf(types.KindInternal, "failed to remove slot: %v", err)
	}
	if err := m.removeIndexEntry(module); err != nil {
		return false, types.Errorf(types.KindInternal, "failed to update index: %v", err)
	}
	if existed {
		log.WithComponent("state").Info().Str("module", module).Msg("backup slot purged")
	}
	return existed, nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.root, indexFile)
}

func (m *Manager) readIndex() (map[string]types.BackupInfo, error) {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]types.BackupInfo{}, nil
		}
		return nil, err
	}
	index := make(map[string]types.BackupInfo)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("backups index malformed: %w", err)
	}
	return index, nil
}

func (m *Manager) putIndexEntry(module string, info types.BackupInfo) error {
	index, err := m.readIndex()
	if err != nil {
		return err
	}
	index[module] = info
	return writeJSONAtomic(m.indexPath(), index)
}

func (m *Manager) removeIndexEntry(module string) error {
	index, err := m.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[module]; !ok {
		return nil
	}
	delete(index, module)
	return writeJSONAtomic(m.indexPath(), index)
}
