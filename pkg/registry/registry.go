package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/types"
)

// ManifestName is the manifest file inside every module directory.
const ManifestName = "index.json"

// Registry loads module manifests from the installed and staging trees.
// Modules whose manifest is missing or malformed, or whose directory has no
// index.* entry point, are excluded from the run entirely.
type Registry struct {
	installedRoot string
	stagingRoot   string

	installed map[string]*types.Manifest
	upstream  map[string]*types.Manifest
}

// New creates a Registry over the two module roots. stagingRoot may point at
// a directory that does not exist yet (no staging this run).
func New(installedRoot, stagingRoot string) *Registry {
	return &Registry{
		installedRoot: installedRoot,
		stagingRoot:   stagingRoot,
		installed:     make(map[string]*types.Manifest),
		upstream:      make(map[string]*types.Manifest),
	}
}

// Load reads every manifest under both roots. Called once at startup and
// again at phase boundaries after SchemaPhase rewrites module directories.
func (r *Registry) Load() error {
	installed, err := loadTree(r.installedRoot)
	if err != nil {
		return types.Errorf(types.KindInternal, "failed to load installed modules: %v", err)
	}
	r.installed = installed

	upstream, err := loadTree(r.stagingRoot)
	if err != nil {
		// A broken staging tree only costs us the upstream view.
		log.WithComponent("registry").Warn().Err(err).Msg("staging modules unreadable")
		upstream = make(map[string]*types.Manifest)
	}
	r.upstream = upstream
	return nil
}

func loadTree(root string) (map[string]*types.Manifest, error) {
	manifests := make(map[string]*types.Manifest)

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manifests, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())

		m, err := loadManifest(dir)
		if err != nil {
			log.WithComponent("registry").Warn().
				Str("module", entry.Name()).
				Err(err).
				Msg("module excluded")
			continue
		}
		if m.Metadata.Name != entry.Name() {
			log.WithComponent("registry").Warn().
				Str("module", entry.Name()).
				Str("manifest_name", m.Metadata.Name).
				Msg("module excluded: manifest name does not match directory")
			continue
		}
		if _, err := EntryPoint(dir); err != nil {
			log.WithComponent("registry").Warn().
				Str("module", entry.Name()).
				Msg("module ignored: no entry point")
			continue
		}
		manifests[m.Metadata.Name] = m
	}
	return manifests, nil
}

func loadManifest(dir string) (*types.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, types.Errorf(types.KindManifest, "manifest unreadable: %v", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.Errorf(types.KindManifest, "manifest malformed: %v", err)
	}
	if m.Metadata.Name == "" {
		return nil, types.Errorf(types.KindManifest, "manifest has no name")
	}
	if m.Metadata.SchemaVersion == nil {
		return nil, types.Errorf(types.KindManifest, "manifest has no schema_version")
	}
	m.Dir = dir
	return &m, nil
}

// EntryPoint locates the module's executable index.* file. index.json is the
// manifest, not an entry point.
func EntryPoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == ManifestName {
			continue
		}
		if strings.HasPrefix(name, "index.") {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("no index.* entry point in %s", dir)
}

// ListInstalled returns every loadable installed manifest, name-sorted.
func (r *Registry) ListInstalled() []*types.Manifest {
	return sortedManifests(r.installed)
}

// ListUpstream returns every loadable staging manifest, name-sorted.
func (r *Registry) ListUpstream() []*types.Manifest {
	return sortedManifests(r.upstream)
}

// Get returns the installed manifest for name, or nil.
func (r *Registry) Get(name string) *types.Manifest {
	return r.installed[name]
}

// GetUpstream returns the staging manifest for name, or nil.
func (r *Registry) GetUpstream(name string) *types.Manifest {
	return r.upstream[name]
}

// EnabledModules returns enabled installed modules in execution order:
// priority ascending, then name ascending.
func (r *Registry) EnabledModules() []*types.Manifest {
	var enabled []*types.Manifest
	for _, m := range r.installed {
		if m.Metadata.Enabled {
			enabled = append(enabled, m)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		pi, pj := enabled[i].Metadata.EffectivePriority(), enabled[j].Metadata.EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return enabled[i].Metadata.Name < enabled[j].Metadata.Name
	})
	return enabled
}

func sortedManifests(manifests map[string]*types.Manifest) []*types.Manifest {
	out := make([]*types.Manifest, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Name < out[j].Metadata.Name
	})
	return out
}

// SetEnabled toggles the module's enabled flag and rewrites its manifest.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	m := r.installed[name]
	if m == nil {
		return types.Errorf(types.KindNotFound, "unknown module %s", name)
	}
	if err := r.editManifest(m, func(meta map[string]json.RawMessage) error {
		meta["enabled"] = jsonBool(enabled)
		return nil
	}); err != nil {
		return err
	}
	m.Metadata.Enabled = enabled
	log.WithComponent("registry").Info().
		Str("module", name).
		Bool("enabled", enabled).
		Msg("module enablement changed")
	return nil
}

// SetComponentEnabled toggles one key of the module's components map. The
// registry treats component keys as opaque booleans.
func (r *Registry) SetComponentEnabled(name, component string, enabled bool) error {
	m := r.installed[name]
	if m == nil {
		return types.Errorf(types.KindNotFound, "unknown module %s", name)
	}
	if _, ok := m.Metadata.Components[component]; !ok {
		return types.Errorf(types.KindNotFound, "module %s has no component %s", name, component)
	}

	if err := r.editManifest(m, func(meta map[string]json.RawMessage) error {
		var components map[string]json.RawMessage
		if raw, ok := meta["components"]; ok {
			if err := json.Unmarshal(raw, &components); err != nil {
				return fmt.Errorf("components malformed: %w", err)
			}
		} else {
			components = make(map[string]json.RawMessage)
		}
		components[component] = jsonBool(enabled)
		data, err := json.Marshal(components)
		if err != nil {
			return err
		}
		meta["components"] = data
		return nil
	}); err != nil {
		return err
	}
	m.Metadata.Components[component] = enabled
	return nil
}

// SetContentVersion records the content version a module reported after a
// successful run. The orchestrator never interprets this value.
func (r *Registry) SetContentVersion(name string, version *semver.Version) error {
	m := r.installed[name]
	if m == nil {
		return types.Errorf(types.KindNotFound, "unknown module %s", name)
	}
	if err := r.editManifest(m, func(meta map[string]json.RawMessage) error {
		data, err := json.Marshal(version.String())
		if err != nil {
			return err
		}
		meta["content_version"] = data
		return nil
	}); err != nil {
		return err
	}
	m.Metadata.ContentVersion = version
	return nil
}

// editManifest rewrites the manifest through raw JSON maps so fields this
// version of the orchestrator does not know about survive the edit. The write
// is write-to-temp plus rename.
func (r *Registry) editManifest(m *types.Manifest, edit func(meta map[string]json.RawMessage) error) error {
	path := filepath.Join(m.Dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Errorf(types.KindManifest, "manifest unreadable: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Errorf(types.KindManifest, "manifest malformed: %v", err)
	}

	var meta map[string]json.RawMessage
	if raw, ok := doc["metadata"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return types.Errorf(types.KindManifest, "manifest metadata malformed: %v", err)
		}
	} else {
		meta = make(map[string]json.RawMessage)
	}

	if err := edit(meta); err != nil {
		return types.WrapKind(types.KindManifest, err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return types.WrapKind(types.KindManifest, err)
	}
	doc["metadata"] = metaData

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.WrapKind(types.KindManifest, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return types.Errorf(types.KindManifest, "manifest write failed: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return types.Errorf(types.KindManifest, "manifest rename failed: %v", err)
	}
	return nil
}

// WriteManifest persists a full manifest document to the module directory.
func WriteManifest(dir string, m *types.Manifest) error {
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestName)
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

func jsonBool(b bool) json.RawMessage {
	if b {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}
