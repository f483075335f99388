package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestParse(t *testing.T) {
	doc := `{
		"metadata": {
			"schema_version": "1.2.0",
			"content_version": "3.0.1",
			"name": "website",
			"description": "Website content refresh",
			"enabled": true,
			"priority": 10,
			"components": {"ssl_renewal": true, "content_sync": false}
		},
		"config": {
			"timeout_seconds": 120,
			"backup": {
				"files": ["/etc/nginx/nginx.conf", "/var/www/site"],
				"services": ["nginx.service"],
				"databases": [{"type": "mysql", "name": "site"}]
			},
			"custom_key": {"nested": true}
		}
	}`

	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(doc), &m))

	assert.Equal(t, "website", m.Metadata.Name)
	assert.Equal(t, "1.2.0", m.Metadata.SchemaVersion.String())
	assert.Equal(t, "3.0.1", m.Metadata.ContentVersion.String())
	assert.True(t, m.Metadata.Enabled)
	assert.Equal(t, 10, m.Metadata.EffectivePriority())
	assert.True(t, m.Metadata.Components["ssl_renewal"])
	assert.False(t, m.Metadata.Components["content_sync"])

	assert.Equal(t, 120, m.TimeoutSeconds())

	spec, err := m.BackupSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/nginx/nginx.conf", "/var/www/site"}, spec.Files)
	assert.Equal(t, []string{"nginx.service"}, spec.Services)
	require.Len(t, spec.Databases, 1)
	assert.Equal(t, EngineMySQL, spec.Databases[0].Type)

	// Unknown config keys survive the round trip untouched.
	_, ok := m.Config["custom_key"]
	assert.True(t, ok)
}

func TestManifestDefaults(t *testing.T) {
	doc := `{"metadata": {"schema_version": "1.0.0", "name": "dns", "enabled": false}}`

	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(doc), &m))

	assert.Equal(t, DefaultPriority, m.Metadata.EffectivePriority())
	assert.Equal(t, 0, m.TimeoutSeconds())
	assert.False(t, m.RestartOrchestrator())

	spec, err := m.BackupSpec()
	require.NoError(t, err)
	assert.True(t, spec.Empty())
}

func TestOutcomeFailed(t *testing.T) {
	assert.False(t, OutcomeOK.Failed())
	assert.False(t, OutcomeNoChange.Failed())
	assert.True(t, OutcomeFailedRestored.Failed())
	assert.True(t, OutcomeFailedRestoreFailed.Failed())
	assert.True(t, OutcomeSkipped.Failed())
	assert.True(t, OutcomeTimedOut.Failed())
}

func TestKindErrors(t *testing.T) {
	err := Errorf(KindBackup, "snapshot of %s failed", "website")
	assert.Equal(t, KindBackup, KindOf(err))
	assert.True(t, IsKind(err, KindBackup))
	assert.False(t, IsKind(err, KindRestore))

	wrapped := WrapKind(KindNetwork, assert.AnError)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.Nil(t, WrapKind(KindNetwork, nil))

	// Unclassified errors default to internal.
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}

func TestStatusEnvelopeRoundTrip(t *testing.T) {
	updated := true
	env := StatusEnvelope{
		Success:    true,
		Updated:    &updated,
		OldVersion: "1.0.0",
		NewVersion: "1.1.0",
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var parsed StatusEnvelope
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.True(t, parsed.Success)
	require.NotNil(t, parsed.Updated)
	assert.True(t, *parsed.Updated)
	assert.False(t, parsed.RestartRequired)
}

func TestDumpExt(t *testing.T) {
	assert.Equal(t, "sql", EngineMySQL.DumpExt())
	assert.Equal(t, "pgdump", EnginePostgres.DumpExt())
}
