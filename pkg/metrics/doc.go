/*
Package metrics exposes Prometheus metrics for orchestrator runs.

Steward is a batch process, not a daemon, so there is no scrape endpoint:
at the end of every full run the metric values are exported to a textfile
(steward_metrics.prom under the backups root by default) for collection by
node-exporter's textfile collector. Check mode never writes the file.

Exposed series cover run outcome and duration, per-outcome module counts,
schema refreshes, backup/restore activity, and the migration and hotfix
drivers.
*/
package metrics
