/*
Package types defines the core data structures used throughout Steward.

This package contains the fundamental types that represent Steward's domain
model: module manifests and their metadata, declared backup sets, backup slot
manifests, module status envelopes, run records, and the failure-kind error
taxonomy every component reports through.

# Core Types

Module model:
  - Manifest: parsed index.json (metadata + opaque config subtree)
  - ModuleMetadata: schema/content versions, name, enablement, priority
  - BackupSpec: the files/services/databases a module declares for snapshot
  - StatusEnvelope: the structured status a module prints when invoked

Backup model:
  - BackupInfo: the info.json manifest inside every backup slot
  - ServiceState: a systemd unit's recorded enabled/active pair
  - DatabaseSpec: one declared database (mysql or postgres)

Run model:
  - RunRecord: per-module, per-run execution record (in-memory)
  - Outcome: the summary states shown at the end of a run
  - FailureKind / KindError: the error classification components surface
    instead of exception-style control flow

All serializable types round-trip through JSON; versions are ordered triples
parsed with semver.

# See Also

  - pkg/registry - Loads and rewrites manifests
  - pkg/state - Produces and consumes backup slots
  - pkg/runner - Parses status envelopes
*/
package types
