/*
Package runner invokes update modules as child processes.

A module is any executable index.* in its module directory. The CLI contract
exposed to modules:

	index.*            perform the update
	index.* --check    report status only, no mutation
	index.* --version  print schema/content version only

The module reports back through a status envelope: a single JSON line on
stdout (or a status.json file in the module directory) with a required
"success" field and optional updated/old_version/new_version/
restart_required/error fields. A missing or malformed envelope is a module
failure of its own subkind.

Each invocation runs with stdin closed, a scrubbed environment (orchestrator
variables removed, PATH normalized), and a soft timeout: on expiry the child
is signalled SIGTERM and force-killed after a grace period. Stdout and
stderr are drained by two goroutines joined before the child is reaped, so a
chatty module can never deadlock on a full pipe — this is the only internal
concurrency in the core.
*/
package runner
