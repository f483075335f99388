/*
Package state implements per-module single-slot backup and restore.

Every module gets at most one slot under the backups root. A new backup
unconditionally clobbers the previous slot; a single restore consumes it.

# Slot Layout

	<backups_root>/
	├── module_backups.json          index: module -> latest slot manifest
	└── <module>_backup/
	    ├── files/                   shadow tree keyed by absolute path
	    │   └── etc/nginx/nginx.conf
	    ├── services.json            [{unit, enabled, active}, ...]
	    ├── databases/
	    │   ├── db_0.sql             mysqldump output
	    │   └── db_1.pgdump          pg_dump custom-format archive
	    └── info.json                slot manifest, written last

# Ordering and Atomicity

Backup clears the old slot, writes the payload (files, then service states,
then database dumps), hashes the payload, and only then writes info.json —
its presence marks the slot committed. The index is rewritten after every
successful backup and purge so it always matches the filesystem. A failure
mid-write removes the partial slot; because the previous slot was already
cleared, the module can end up with no backup, and the returned error is the
caller's only signal.

Restore verifies the payload hash against info.json before touching the live
system, then replays files, services, and databases in that fixed order. The
first failing step aborts with the step name in the error; the orchestrator
escalates and leaves the module in whatever state the restore reached.

# Concurrency

All methods are serialized by the orchestrator's global lock. The Manager is
not internally thread-safe.
*/
package state
