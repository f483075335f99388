package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/registry"
	"github.com/steward-sh/steward/pkg/reposync"
	"github.com/steward-sh/steward/pkg/state"
	"github.com/steward-sh/steward/pkg/types"
)

// Refresh describes one module whose installed code lags upstream.
type Refresh struct {
	Module string
	From   *semver.Version
	To     *semver.Version

	// RestartOrchestrator is true when refreshing this module requires the
	// orchestrator to re-exec afterwards.
	RestartOrchestrator bool
}

// Updater detects and applies per-module schema refreshes.
type Updater struct {
	reg           *registry.Registry
	state         *state.Manager
	installedRoot string
	stagingRoot   string
}

// New creates an Updater over the installed and staging module roots.
func New(reg *registry.Registry, st *state.Manager, installedRoot, stagingRoot string) *Updater {
	return &Updater{reg: reg, state: st, installedRoot: installedRoot, stagingRoot: stagingRoot}
}

// Plan returns the modules present in both trees whose staging
// schema_version is strictly greater than the installed one. This is also
// the dry-run report for check mode.
func (u *Updater) Plan() []Refresh {
	var refreshes []Refresh
	for _, installed := range u.reg.ListInstalled() {
		staged := u.reg.GetUpstream(installed.Metadata.Name)
		if staged == nil {
			continue
		}
		if staged.Metadata.SchemaVersion.GreaterThan(installed.Metadata.SchemaVersion) {
			refreshes = append(refreshes, Refresh{
				Module:              installed.Metadata.Name,
				From:                installed.Metadata.SchemaVersion,
				To:                  staged.Metadata.SchemaVersion,
				RestartOrchestrator: installed.RestartOrchestrator() || staged.RestartOrchestrator(),
			})
		}
	}
	return refreshes
}

// Apply replaces the installed module directory with the staging copy.
// The installed directory is backed up (files only) first, then the swap is
// performed by renaming the installed directory aside, renaming the new copy
// in, and removing the old directory. A failed rename-in is reverted.
func (u *Updater) Apply(ctx context.Context, refresh Refresh) error {
	name := refresh.Module
	installedDir := filepath.Join(u.installedRoot, name)
	stagingDir := filepath.Join(u.stagingRoot, name)

	if err := u.state.Backup(ctx, name, fmt.Sprintf("pre schema refresh to %s", refresh.To),
		types.BackupSpec{Files: []string{installedDir}}); err != nil {
		return err
	}

	diff, err := reposync.DiffSubtree(u.stagingRoot, u.installedRoot, name)
	if err == nil {
		log.WithComponent("schema").Info().
			Str("module", name).
			Int("changed", len(diff.ChangedFiles)).
			Int("removed", len(diff.RemovedFiles)).
			Msgf("refreshing %s -> %s", refresh.From, refresh.To)
	}

	contentVersion := u.contentVersionOf(installedDir)

	// Stage the new copy next to the final location so the rename-in is a
	// same-filesystem atomic operation.
	newDir := installedDir + ".new"
	oldDir := installedDir + ".old"
	os.RemoveAll(newDir)
	os.RemoveAll(oldDir)

	if err := copyDir(stagingDir, newDir); err != nil {
		os.RemoveAll(newDir)
		return types.Errorf(types.KindInternal, "failed to stage module copy: %v", err)
	}

	if err := os.Rename(installedDir, oldDir); err != nil {
		os.RemoveAll(newDir)
		return types.Errorf(types.KindInternal, "failed to move installed module aside: %v", err)
	}
	if err := os.Rename(newDir, installedDir); err != nil {
		// Revert: put the previous code back.
		if revertErr := os.Rename(oldDir, installedDir); revertErr != nil {
			return types.Errorf(types.KindInternal,
				"module %s left without code: rename-in failed (%v) and revert failed (%v)",
				name, err, revertErr)
		}
		os.RemoveAll(newDir)
		return types.Errorf(types.KindInternal, "failed to swap in new module code: %v", err)
	}
	os.RemoveAll(oldDir)

	if contentVersion != nil {
		if err := u.preserveContentVersion(installedDir, contentVersion); err != nil {
			log.WithComponent("schema").Warn().
				Str("module", name).
				Err(err).
				Msg("failed to carry content version across refresh")
		}
	}

	log.WithComponent("schema").Info().
		Str("module", name).
		Str("schema_version", refresh.To.String()).
		Msg("module code refreshed")
	return nil
}

func (u *Updater) contentVersionOf(dir string) *semver.Version {
	data, err := os.ReadFile(filepath.Join(dir, registry.ManifestName))
	if err != nil {
		return nil
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m.Metadata.ContentVersion
}

// preserveContentVersion writes the pre-refresh content version into the
// freshly installed manifest; content state did not change just because the
// module's code did.
func (u *Updater) preserveContentVersion(dir string, version *semver.Version) error {
	path := filepath.Join(dir, registry.ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(doc["metadata"], &meta); err != nil {
		return err
	}

	encoded, err := json.Marshal(version.String())
	if err != nil {
		return err
	}
	meta["content_version"] = encoded

	metaData, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	doc["metadata"] = metaData

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

// copyDir mirrors a directory tree. Symlinks are recreated, not followed.
func copyDir(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		entryInfo, err := os.Lstat(srcPath)
		if err != nil {
			return err
		}
		switch {
		case entryInfo.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
		case entryInfo.IsDir():
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
		default:
			if err := copyRegular(srcPath, dstPath, entryInfo.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyRegular(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}
