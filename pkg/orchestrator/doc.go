/*
Package orchestrator is the top-level state machine of a Steward run.

A run takes the host from "whatever state the last update left" to "current
with upstream", one module at a time, without ever wedging the machine when
a single module misbehaves.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                         Run                                │
	└──────┬─────────────────────────────────────────────────────┘
	       │
	       ▼
	┌─────────────┐  lock + journal + run id
	│    Start    │  second instance exits 1 immediately
	└──────┬──────┘
	       ▼
	┌─────────────┐  clone / fast-forward upstream into staging
	│    Sync     │  NetworkError -> warn, run on installed state
	└──────┬──────┘  RepoStateError -> schema phase becomes a no-op
	       ▼
	┌─────────────┐  staging schema_version > installed?
	│ SchemaPhase │  backup module dir, atomic directory swap,
	└──────┬──────┘  carry content_version across
	       ▼
	┌─────────────┐  for each enabled module in priority order:
	│ExecutePhase │    backup declared files/services/databases
	└──────┬──────┘    invoke module, restore on failure, continue
	       ▼
	┌─────────────┐  any module flagged restart_required?
	│ SelfUpdate  │  persist completed list, re-exec --resume <id>
	└──────┬──────┘  (exactly once per run)
	       ▼
	┌─────────────┐  summary block, journal entry, metrics textfile,
	│     End     │  release lock, exit 0/1
	└─────────────┘

# Failure Containment

The key design invariant is partial-failure containment: a failing module is
restored from its backup slot and the run continues with the next module.
The run-level exit code still reports the failure, but one broken module
never blocks the rest of the fleet's updates. Only orchestrator-internal
failures (lock, journal, registry) abort a run before touching modules.

Per-module handling in ExecutePhase:

  - backup fails            -> module skipped, never executed, recorded
  - envelope success:false  -> restore, record failed (restored), continue
  - timeout / crash / no envelope -> restore attempt, record, continue
  - restore fails           -> record failed (restore failed), operator
    intervention expected, run continues

# Check Mode

Check mode (--check) runs Sync, reports the schema plan without applying it,
invokes every enabled module with --check, and writes nothing: no backups,
no restores, no journal entry, no metrics, no log truncation. Its exit code
reflects only whether the orchestrator itself could answer.

# Self-Update Handoff

A module refresh can change code the running orchestrator depends on. When a
refreshed module's manifest carries restart_orchestrator, or a module returns
restart_required in its envelope, the run finishes its current work, persists
the list of modules already completed to the journal, and re-execs the binary
with --resume <run-id>. The resumed invocation skips Sync and SchemaPhase,
runs only the remainder, and clears the handoff state. Exactly one re-exec
per run, so a buggy module cannot re-exec the orchestrator in a loop.

# Cancellation

One SIGTERM/SIGINT lets the current module finish inside its timeout budget,
skips the remaining modules, and exits 1. A cancellation that lands during a
restore never abandons it: restores always run to completion on a detached
context.

# Usage

	cfg, _ := config.Load(config.DefaultConfigPath)
	o := orchestrator.New(cfg, sysd, dbdump.NewToolDumper())
	os.Exit(o.Run(ctx, orchestrator.Options{Mode: orchestrator.ModeFull}))

# See Also

  - pkg/schema - SchemaPhase implementation
  - pkg/state - Backup slots consumed on module failure
  - pkg/runner - The module subprocess contract
  - pkg/journal - Run history and resume handoff state
*/
package orchestrator
