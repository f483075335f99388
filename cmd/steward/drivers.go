package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/hotfix"
	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/migrate"
	"github.com/steward-sh/steward/pkg/state"
	"github.com/steward-sh/steward/pkg/types"
)

// The migration and hotfix modules are ordinary modules from the
// orchestrator's point of view: their index.sh entry points exec these
// hidden subcommands, which run the driver protocol and print the status
// envelope the module contract requires.

var migrationDriverCmd = &cobra.Command{
	Use:    "run-migrations",
	Short:  "Run the migration driver protocol (called by the migration module)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleDir, err := driverModuleDir(cmd)
		if err != nil {
			return err
		}
		if err := initDriverLog(cmd); err != nil {
			return err
		}
		defer log.Close()

		res, err := migrate.New(moduleDir).Run(context.Background())
		if err != nil {
			printEnvelope(types.StatusEnvelope{Success: false, Error: err.Error()})
			return fmt.Errorf("migration driver: %w", err)
		}

		updated := res.Applied > 0
		env := types.StatusEnvelope{Success: res.OK(), Updated: &updated}
		if !res.OK() {
			env.Error = fmt.Sprintf("%d migration(s) failed, will retry next run", res.Failed)
		}
		printEnvelope(env)
		if !res.OK() {
			os.Exit(1)
		}
		return nil
	},
}

var hotfixDriverCmd = &cobra.Command{
	Use:    "run-hotfixes",
	Short:  "Run the hotfix driver protocol (called by the hotfix module)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleDir, err := driverModuleDir(cmd)
		if err != nil {
			return err
		}
		if err := initDriverLog(cmd); err != nil {
			return err
		}
		defer log.Close()

		cfg, err := driverConfig(cmd)
		if err != nil {
			return err
		}
		st := state.New(cfg.BackupsRoot, nil, dbdump.NewToolDumper())

		res, err := hotfix.New(moduleDir, st).Run(context.Background())
		if err != nil {
			printEnvelope(types.StatusEnvelope{Success: false, Error: err.Error()})
			return fmt.Errorf("hotfix driver: %w", err)
		}

		applied := 0
		for _, pool := range res.Pools {
			if pool.Applied {
				applied++
			}
		}
		updated := applied > 0
		env := types.StatusEnvelope{Success: res.OK(), Updated: &updated}
		if !res.OK() {
			env.Error = fmt.Sprintf("%d of %d pool(s) failed and were rolled back",
				len(res.Pools)-applied, len(res.Pools))
		}
		printEnvelope(env)
		if !res.OK() {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{migrationDriverCmd, hotfixDriverCmd} {
		cmd.Flags().String("module-dir", "", "Module directory (defaults to the working directory)")
		cmd.Flags().String("config", config.DefaultConfigPath, "Path to the runtime config file")
		rootCmd.AddCommand(cmd)
	}
}

func driverModuleDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("module-dir")
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func driverConfig(cmd *cobra.Command) (config.Runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// initDriverLog appends to the run log: the orchestrator invoking us as a
// module already owns truncation.
func initDriverLog(cmd *cobra.Command) error {
	cfg, err := driverConfig(cmd)
	if err != nil {
		return err
	}
	return log.Init(log.Config{Level: log.InfoLevel, FilePath: cfg.LogPath})
}

func printEnvelope(env types.StatusEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
