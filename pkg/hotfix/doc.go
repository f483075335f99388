/*
Package hotfix applies conditional emergency hotfixes as atomic pools.

The hotfix module's manifest declares an ordered list of pools, each a set
of {source, destination} file replacements (sources relative to the module's
src/ directory) plus closure commands that validate the pool. Before a pool
is touched its destinations are backed up into a synthetic StateManager slot
(hotfix_pool_<id>); a failing closure rolls the destinations back, re-runs
the closure on the restored state, and the next pool proceeds as if the
failed one were absent. After the pool returns, either every destination
holds the new content and the closure passed, or every destination holds its
pre-run content.

A top-level finalClosure runs only when all pools succeeded; its failure is
logged but never triggers rollback.
*/
package hotfix
