/*
Package registry loads and edits module manifests.

A module is any directory under a modules root holding an index.json manifest
and an executable index.* entry point. The registry reads both the installed
tree and the staging tree, exposes the deterministic execution order
(priority ascending, then name ascending, disabled modules excluded), and
performs the only manifest writes the orchestrator makes: enablement toggles,
component toggles and content_version updates, rewritten atomically while preserving fields this
orchestrator version does not know about.

Manifest parse errors never abort a run; the offending module is excluded
and logged.
*/
package registry
