package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	// Run metrics
	RunSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_run_success",
			Help: "Whether the last run succeeded (1) or failed (0)",
		},
	)

	RunDurationSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_run_duration_seconds",
			Help: "Wall-clock duration of the last run in seconds",
		},
	)

	RunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)

	// Module metrics
	ModulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_modules_total",
			Help: "Modules in the last run by outcome",
		},
		[]string{"outcome"},
	)

	SchemaRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_schema_refreshes_total",
			Help: "Total number of module code refreshes applied",
		},
	)

	// Backup metrics
	BackupsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_backups_written_total",
			Help: "Total number of backup slots written",
		},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_restores_total",
			Help: "Total number of restore attempts by result",
		},
		[]string{"result"},
	)

	// Driver metrics
	MigrationsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_migrations_applied_total",
			Help: "Total number of migrations that reached has_run",
		},
	)

	HotfixPoolsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_hotfix_pools_total",
			Help: "Total number of hotfix pools by result",
		},
		[]string{"result"},
	)
)

// registry keeps Steward's metrics separate from the default Go collectors;
// the textfile only carries steward_* series.
var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(RunSuccess)
	registry.MustRegister(RunDurationSeconds)
	registry.MustRegister(RunTimestamp)
	registry.MustRegister(ModulesTotal)
	registry.MustRegister(SchemaRefreshesTotal)
	registry.MustRegister(BackupsWrittenTotal)
	registry.MustRegister(RestoresTotal)
	registry.MustRegister(MigrationsAppliedTotal)
	registry.MustRegister(HotfixPoolsTotal)
}

// WriteTextfile exports the current metric values to path in the Prometheus
// text exposition format, for node-exporter textfile collection. The write
// is atomic so the collector never scrapes a torn file.
func WriteTextfile(path string) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	encoder := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
