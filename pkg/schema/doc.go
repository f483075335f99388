/*
Package schema detects and applies per-module code refreshes.

A module is refresh-marked when its staging schema_version is strictly
greater than the installed one (ordered-triple comparison). Applying a
refresh backs up the installed module directory through StateManager, then
atomically replaces it: the new copy is staged next to the final location,
the installed directory is renamed aside, the copy is renamed in, and the
old directory is removed. A failed rename-in is reverted so the module is
never left without code.

Content versions are module-owned; the updater only carries the installed
content_version across a refresh, never interprets it.
*/
package schema
