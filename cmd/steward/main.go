package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/orchestrator"
	"github.com/steward-sh/steward/pkg/systemd"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// normalizedPath is pinned before anything else runs so every child process
// and tool lookup sees the same search path.
const normalizedPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

var (
	flagConfig           string
	flagLogLevel         string
	flagCheck            bool
	flagLegacy           bool
	flagResume           string
	flagEnable           string
	flagDisable          string
	flagEnableComponent  []string
	flagDisableComponent []string
	flagListModules      bool
	flagStatus           bool
	flagStatusModule     string
	flagPurgeBackup      string
)

func main() {
	os.Setenv("PATH", normalizedPath)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - fleet update orchestrator for self-hosted servers",
	Long: `Steward keeps a fleet of self-hosted servers current: it synchronizes
update modules from an upstream repository, refreshes module code when schema
versions change, executes every enabled module with per-module backup and
restore, runs one-shot system migrations, and applies emergency hotfixes.

Invoked with no flags it performs a full update run.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ArbitraryArgs,
	RunE:          run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Steward version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", config.DefaultConfigPath, "Path to the runtime config file")
	flags.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&flagCheck, "check", false, "Check mode: report status without mutating anything")
	flags.BoolVar(&flagLegacy, "legacy", false, "Pre-schema operation (synonym of a full run)")
	flags.StringVar(&flagResume, "resume", "", "Resume a run after self-update (internal)")
	flags.StringVar(&flagEnable, "enable", "", "Enable a module and exit")
	flags.StringVar(&flagDisable, "disable", "", "Disable a module and exit")
	flags.StringArrayVar(&flagEnableComponent, "enable-component", nil, "Enable a module component: <module> <component>")
	flags.StringArrayVar(&flagDisableComponent, "disable-component", nil, "Disable a module component: <module> <component>")
	flags.BoolVar(&flagListModules, "list-modules", false, "List modules and exit")
	flags.BoolVar(&flagStatus, "status", false, "Show detailed status of one or all modules")
	flags.StringVar(&flagPurgeBackup, "purge-backup", "", "Remove a module's backup slot and exit")
	flags.MarkHidden("resume")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	fullRun := !flagCheck && flagEnable == "" && flagDisable == "" &&
		len(flagEnableComponent) == 0 && len(flagDisableComponent) == 0 &&
		!flagListModules && !flagStatus && flagPurgeBackup == ""

	// A full run truncates the well-known log; everything else appends so
	// check output never destroys the record of the last real run.
	if err := log.Init(log.Config{
		Level:    log.Level(flagLogLevel),
		FilePath: cfg.LogPath,
		Truncate: fullRun && flagResume == "",
	}); err != nil {
		return err
	}
	defer log.Close()

	switch {
	case flagEnable != "":
		return setEnabled(cfg, flagEnable, true)
	case flagDisable != "":
		return setEnabled(cfg, flagDisable, false)
	case len(flagEnableComponent) > 0:
		return setComponentEnabled(cfg, append(flagEnableComponent, args...), true)
	case len(flagDisableComponent) > 0:
		return setComponentEnabled(cfg, append(flagDisableComponent, args...), false)
	case flagListModules:
		return listModules(cfg)
	case flagStatus:
		if len(args) > 0 {
			flagStatusModule = args[0]
		}
		return showStatus(cfg, flagStatusModule)
	case flagPurgeBackup != "":
		return purgeBackup(cfg, flagPurgeBackup)
	}

	if fullRun && os.Geteuid() != 0 {
		return fmt.Errorf("a full update run must be invoked as root")
	}

	mode := orchestrator.ModeFull
	if flagCheck {
		mode = orchestrator.ModeCheck
	} else if flagLegacy {
		mode = orchestrator.ModeLegacy
	}

	// One cancellation signal finishes the current module politely, then
	// the run exits 1.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var sysd systemd.Manager
	if !flagCheck {
		conn, err := systemd.Connect(ctx)
		if err != nil {
			log.Warn("systemd unavailable, service state capture disabled")
		} else {
			sysd = conn
			defer conn.Close()
		}
	}

	o := orchestrator.New(cfg, sysd, dbdump.NewToolDumper())
	code := o.Run(ctx, orchestrator.Options{Mode: mode, ResumeRunID: flagResume})
	log.Close()
	os.Exit(code)
	return nil
}
