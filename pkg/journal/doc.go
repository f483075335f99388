/*
Package journal persists run history and self-update handoff state in a
bbolt database.

Two buckets: "runs" maps run id to a RunEntry (mode, head commit, per-module
records, exit code); "state" holds the last-run pointer and the Resume
record a self-updating run leaves behind so its re-exec can skip Sync and
SchemaPhase and finish only the modules not yet run.
*/
package journal
