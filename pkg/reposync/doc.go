/*
Package reposync keeps the staging tree synchronized with the upstream
source-of-truth repository.

Refresh clones on first use and fetches plus fast-forwards afterwards; it
never rewrites history. An unreachable upstream is a network error the
orchestrator downgrades to a warning (the run proceeds on the installed
tree); a diverged staging tree is a repo-state error that makes SchemaPhase
a no-op for the run.

DiffSubtree compares any subtree of the staging and installed trees by
sha256 content hash, reporting changed and removed relative paths. It backs
both the schema updater and content refreshes.
*/
package reposync
