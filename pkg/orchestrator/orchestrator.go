package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/journal"
	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/metrics"
	"github.com/steward-sh/steward/pkg/registry"
	"github.com/steward-sh/steward/pkg/reposync"
	"github.com/steward-sh/steward/pkg/runner"
	"github.com/steward-sh/steward/pkg/schema"
	"github.com/steward-sh/steward/pkg/state"
	"github.com/steward-sh/steward/pkg/systemd"
	"github.com/steward-sh/steward/pkg/types"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeFull is the default: Sync, SchemaPhase, ExecutePhase, and the
	// self-update handoff when a module requests it.
	ModeFull Mode = "full"

	// ModeCheck reports without mutating: dry-run schema plan, --check
	// invocation of every enabled module, no backups, no restores.
	ModeCheck Mode = "check"

	// ModeLegacy is the pre-schema entry point, treated as a full run with
	// the orchestrator-version flag recorded in the journal.
	ModeLegacy Mode = "legacy"
)

// Options configure one run.
type Options struct {
	Mode Mode

	// ResumeRunID continues a run after a self-update re-exec: Sync and
	// SchemaPhase are skipped and modules the first half already completed
	// are not run again.
	ResumeRunID string
}

// ReexecFunc replaces the running process with a fresh invocation of the
// orchestrator binary. Overridable in tests.
type ReexecFunc func(runID string) error

// Orchestrator is the top-level state machine.
type Orchestrator struct {
	cfg     config.Runtime
	reg     *registry.Registry
	st      *state.Manager
	run     *runner.Runner
	journal *journal.Journal
	lock    *flock.Flock

	// Reexec performs the self-update handoff. Defaults to exec-ing the
	// current binary with --resume.
	Reexec ReexecFunc

	records        []types.RunRecord
	completed      []string
	pendingRestart bool
	cancelled      bool
	head           string
}

// New wires the orchestrator from the runtime config. The systemd manager
// may be nil when no module declares services (tests, containers).
func New(cfg config.Runtime, sysd systemd.Manager, dumper dbdump.Dumper) *Orchestrator {
	reg := registry.New(cfg.ModulesRoot, cfg.StagingModulesRoot())
	st := state.New(cfg.BackupsRoot, sysd, dumper)

	return &Orchestrator{
		cfg:    cfg,
		reg:    reg,
		st:     st,
		run:    runner.New(cfg.ModuleTimeout.Std(), reg),
		Reexec: selfExec,
	}
}

// Registry exposes the module registry for the operator CLI commands that
// bypass module execution entirely.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// StateManager exposes backup slot inspection for the operator CLI.
func (o *Orchestrator) StateManager() *state.Manager {
	return o.st
}

// Journal opens and returns the run journal.
func (o *Orchestrator) Journal() (*journal.Journal, error) {
	if o.journal == nil {
		j, err := journal.Open(o.cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		o.journal = j
	}
	return o.journal, nil
}

// Run drives one end-to-end invocation and returns the process exit code:
// 0 when every module succeeded or made no change, 1 otherwise. Internal
// failures (lock, journal, registry) exit 1 without touching modules.
func (o *Orchestrator) Run(ctx context.Context, opts Options) int {
	runID := opts.ResumeRunID
	if runID == "" {
		runID = uuid.New().String()
	}
	runLog := log.WithRunID(runID)
	started := time.Now()

	// Start: the advisory lock guarantees one instance per host.
	if err := o.acquireLock(); err != nil {
		log.Error("another steward instance holds the lock, exiting")
		return 1
	}
	defer o.releaseLock()

	if _, err := o.Journal(); err != nil {
		runLog.Error().Err(err).Msg("run journal unavailable")
		return 1
	}
	defer o.journal.Close()

	check := opts.Mode == ModeCheck
	resuming := opts.ResumeRunID != ""
	runLog.Info().Str("mode", string(opts.Mode)).Bool("resume", resuming).Msg("run started")

	if resuming {
		if err := o.loadResumeState(opts.ResumeRunID); err != nil {
			runLog.Error().Err(err).Msg("resume state unavailable")
			return 1
		}
	} else {
		o.sync(ctx)
	}

	if err := o.reg.Load(); err != nil {
		runLog.Error().Err(err).Msg("module registry unloadable")
		return 1
	}

	if !resuming {
		o.schemaPhase(ctx, check)
		// Phase boundary: SchemaPhase rewrote module directories.
		if err := o.reg.Load(); err != nil {
			runLog.Error().Err(err).Msg("module registry unloadable after schema phase")
			return 1
		}
	}

	o.executePhase(ctx, check)

	// SelfUpdatePhase: exactly one re-exec per run.
	if o.pendingRestart && !check && !resuming {
		return o.handoff(runID)
	}

	exitCode := o.finish(runID, opts, started, check, resuming)
	return exitCode
}

func (o *Orchestrator) acquireLock() error {
	o.lock = flock.New(o.cfg.LockPath)
	locked, err := o.lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("lock held by another process")
	}
	// Record the holder for operators poking at the lockfile.
	_ = os.WriteFile(o.cfg.LockPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
	return nil
}

func (o *Orchestrator) releaseLock() {
	if o.lock != nil {
		o.lock.Unlock()
		o.lock = nil
	}
}

// sync refreshes the staging tree. Failures never abort the run: a network
// error proceeds on installed state, a repo-state error additionally makes
// SchemaPhase a no-op because the staging registry stays empty.
func (o *Orchestrator) sync(ctx context.Context) {
	if o.cfg.UpstreamURL == "" {
		log.WithComponent("orchestrator").Info().Msg("no upstream configured, skipping sync")
		return
	}

	res, err := reposync.Refresh(ctx, o.cfg.UpstreamURL, o.cfg.UpstreamBranch, o.cfg.StagingDir)
	if err != nil {
		switch types.KindOf(err) {
		case types.KindNetwork:
			log.WithComponent("orchestrator").Warn().Err(err).
				Msg("upstream unreachable, proceeding on installed state")
		default:
			log.WithComponent("orchestrator").Error().Err(err).
				Msg("staging tree unusable, schema phase will be a no-op")
		}
		return
	}
	o.head = res.Head
	log.WithComponent("orchestrator").Info().
		Bool("updated", res.Updated).
		Str("head", res.Head).
		Msg("staging tree refreshed")
}

// schemaPhase applies code refreshes, or only reports them in check mode.
func (o *Orchestrator) schemaPhase(ctx context.Context, check bool) {
	updater := schema.New(o.reg, o.st, o.cfg.ModulesRoot, o.cfg.StagingModulesRoot())
	refreshes := updater.Plan()
	if len(refreshes) == 0 {
		log.WithComponent("orchestrator").Info().Msg("schema phase: all modules current")
		return
	}

	for _, refresh := range refreshes {
		if check {
			log.WithComponent("orchestrator").Info().
				Str("module", refresh.Module).
				Msgf("would refresh %s -> %s", refresh.From, refresh.To)
			continue
		}

		record := types.RunRecord{
			Module:    refresh.Module,
			Phase:     types.PhaseSchemaUpdate,
			StartedAt: time.Now(),
		}
		if err := updater.Apply(ctx, refresh); err != nil {
			log.WithComponent("orchestrator").Error().
				Str("module", refresh.Module).
				Err(err).
				Msg("schema refresh failed")
			record.Outcome = types.OutcomeFailedRestoreFailed
			record.Message = err.Error()
		} else {
			record.Outcome = types.OutcomeOK
			metrics.SchemaRefreshesTotal.Inc()
			if refresh.RestartOrchestrator {
				o.pendingRestart = true
			}
		}
		record.FinishedAt = time.Now()
		o.records = append(o.records, record)
	}
}

// executePhase runs every enabled module in registry order. Failure of one
// module never alters the execution of the others.
func (o *Orchestrator) executePhase(ctx context.Context, check bool) {
	done := make(map[string]bool, len(o.completed))
	for _, name := range o.completed {
		done[name] = true
	}

	for _, m := range o.reg.EnabledModules() {
		if done[m.Metadata.Name] {
			continue
		}
		if ctx.Err() != nil {
			log.Warn("cancellation requested, remaining modules not run")
			o.cancelled = true
			break
		}

		record := o.executeModule(ctx, m, check)
		o.records = append(o.records, record)
		o.completed = append(o.completed, m.Metadata.Name)
	}
}

func (o *Orchestrator) executeModule(ctx context.Context, m *types.Manifest, check bool) (record types.RunRecord) {
	name := m.Metadata.Name
	record = types.RunRecord{
		Module:    name,
		Phase:     types.PhaseExecute,
		StartedAt: time.Now(),
	}
	defer func() {
		record.FinishedAt = time.Now()
	}()

	if check {
		res := o.run.Run(context.WithoutCancel(ctx), m, runner.ModeCheck)
		record.ExitStatus = res.ExitCode
		if res.Err != nil {
			record.Outcome = types.OutcomeFailedRestoreFailed
			record.Message = res.Err.Error()
		} else if res.Envelope != nil && res.Envelope.Updated != nil && *res.Envelope.Updated {
			record.Outcome = types.OutcomeOK
			record.Message = "update available"
		} else {
			record.Outcome = types.OutcomeNoChange
		}
		return record
	}

	spec, err := m.BackupSpec()
	if err != nil {
		// An undecipherable backup declaration is treated like a failed
		// snapshot: the module is skipped rather than run unprotected.
		log.WithModule(name).Error().Err(err).Msg("backup declaration malformed, module skipped")
		record.Phase = types.PhaseSkipped
		record.Outcome = types.OutcomeSkipped
		record.Message = "backup declaration malformed"
		return record
	}

	hasBackup := false
	if !spec.Empty() {
		if err := o.st.Backup(ctx, name, "pre-update snapshot", spec); err != nil {
			log.WithModule(name).Error().Err(err).Msg("backup failed, module skipped")
			record.Phase = types.PhaseSkipped
			record.Outcome = types.OutcomeSkipped
			record.Message = fmt.Sprintf("backup failed: %v", err)
			return record
		}
		hasBackup = true
		metrics.BackupsWrittenTotal.Inc()
	}

	// A run cancellation does not reach the module in flight: it finishes
	// inside its own timeout budget before the phase loop stops.
	res := o.run.Run(context.WithoutCancel(ctx), m, runner.ModeUpdate)
	record.ExitStatus = res.ExitCode
	if res.RestartRequired {
		o.pendingRestart = true
	}

	if res.Err == nil {
		if res.Envelope != nil && res.Envelope.Updated != nil && !*res.Envelope.Updated {
			record.Outcome = types.OutcomeNoChange
		} else {
			record.Outcome = types.OutcomeOK
		}
		return record
	}

	if types.IsKind(res.Err, types.KindTimeout) {
		record.Outcome = types.OutcomeTimedOut
	} else {
		record.Outcome = types.OutcomeFailedRestored
	}
	record.Message = res.Err.Error()

	if !hasBackup {
		// Nothing was declared, so there is nothing to roll back.
		record.Message = res.Err.Error() + " (no backup declared)"
		return record
	}

	// The restore runs on a detached context: cancellation mid-restore must
	// finish the restore, never abandon it halfway.
	if restoreErr := o.st.Restore(context.Background(), name); restoreErr != nil {
		log.WithModule(name).Error().Err(restoreErr).Msg("restore failed, operator intervention required")
		record.Outcome = types.OutcomeFailedRestoreFailed
		record.Message = fmt.Sprintf("%v; restore: %v", res.Err, restoreErr)
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		return record
	}

	record.Restored = true
	if record.Outcome == types.OutcomeTimedOut {
		record.Message = res.Err.Error() + " (restored)"
	} else {
		record.Outcome = types.OutcomeFailedRestored
	}
	metrics.RestoresTotal.WithLabelValues("ok").Inc()
	return record
}

// handoff persists the resume state and re-execs the orchestrator binary.
func (o *Orchestrator) handoff(runID string) int {
	log.WithComponent("orchestrator").Info().Msg("module refresh requires restart, re-executing")

	if err := o.journal.SetResume(&journal.Resume{RunID: runID, Completed: o.completed}); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Msg("failed to persist resume state")
		return 1
	}
	o.journal.Close()
	o.journal = nil
	o.releaseLock()
	log.Close()

	if err := o.Reexec(runID); err != nil {
		return 1
	}
	return 0
}

func (o *Orchestrator) loadResumeState(runID string) error {
	resume, err := o.journal.GetResume()
	if err != nil {
		return err
	}
	if resume == nil || resume.RunID != runID {
		return fmt.Errorf("no pending resume state for run %s", runID)
	}
	o.completed = resume.Completed
	return nil
}

// finish writes the summary block, the journal entry, and the metrics
// textfile, and computes the exit code.
func (o *Orchestrator) finish(runID string, opts Options, started time.Time, check, resuming bool) int {
	exitCode := 0
	if o.cancelled && !check {
		exitCode = 1
	}
	counts := make(map[types.Outcome]int)
	for _, record := range o.records {
		counts[record.Outcome]++
		// Check mode is queryable even when modules report problems; only
		// a full run's exit code reflects module outcomes.
		if record.Outcome.Failed() && !check {
			exitCode = 1
		}
	}

	log.Info("run summary:")
	for _, record := range o.records {
		line := fmt.Sprintf("  %-20s %s", record.Module, record.Outcome)
		if record.Message != "" {
			line += " - " + record.Message
		}
		log.Info(line)
	}
	log.Info(fmt.Sprintf("run finished in %s with exit code %d",
		time.Since(started).Round(time.Millisecond), exitCode))

	if !check {
		entry := &journal.RunEntry{
			RunID:      runID,
			Mode:       string(opts.Mode),
			StartedAt:  started,
			FinishedAt: time.Now(),
			Head:       o.head,
			Records:    o.records,
			ExitCode:   exitCode,
		}
		if err := o.journal.PutRun(entry); err != nil {
			log.Errorf("failed to persist run entry", err)
		}
		if resuming {
			if err := o.journal.ClearResume(); err != nil {
				log.Errorf("failed to clear resume state", err)
			}
		}

		metrics.RunSuccess.Set(float64(1 - exitCode))
		metrics.RunDurationSeconds.Set(time.Since(started).Seconds())
		metrics.RunTimestamp.Set(float64(time.Now().Unix()))
		for outcome, count := range counts {
			metrics.ModulesTotal.WithLabelValues(string(outcome)).Set(float64(count))
		}
		if o.cfg.MetricsPath != "" {
			if err := metrics.WriteTextfile(o.cfg.MetricsPath); err != nil {
				log.Errorf("failed to export metrics", err)
			}
		}
	}
	return exitCode
}

// selfExec replaces the process with a resume invocation of the same binary.
func selfExec(runID string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return execProcess(executable, []string{executable, "--resume", runID}, os.Environ())
}

// Records returns the run records collected so far. Test hook.
func (o *Orchestrator) Records() []types.RunRecord {
	return o.records
}
