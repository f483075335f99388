package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/dbdump"
	"github.com/steward-sh/steward/pkg/journal"
	"github.com/steward-sh/steward/pkg/orchestrator"
	"github.com/steward-sh/steward/pkg/types"
)

func newOrchestrator(cfg config.Runtime) *orchestrator.Orchestrator {
	return orchestrator.New(cfg, nil, dbdump.NewToolDumper())
}

func setEnabled(cfg config.Runtime, module string, enabled bool) error {
	o := newOrchestrator(cfg)
	if err := o.Registry().Load(); err != nil {
		return err
	}
	if err := o.Registry().SetEnabled(module, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("module %s %s\n", module, state)
	return nil
}

func setComponentEnabled(cfg config.Runtime, args []string, enabled bool) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <module> <component>")
	}
	o := newOrchestrator(cfg)
	if err := o.Registry().Load(); err != nil {
		return err
	}
	if err := o.Registry().SetComponentEnabled(args[0], args[1], enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("component %s of module %s %s\n", args[1], args[0], state)
	return nil
}

func listModules(cfg config.Runtime) error {
	o := newOrchestrator(cfg)
	if err := o.Registry().Load(); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Module", "Enabled", "Schema", "Content", "Priority", "Description"})

	for _, m := range o.Registry().ListInstalled() {
		content := "-"
		if m.Metadata.ContentVersion != nil {
			content = m.Metadata.ContentVersion.String()
		}
		t.AppendRow(table.Row{
			m.Metadata.Name,
			m.Metadata.Enabled,
			m.Metadata.SchemaVersion.String(),
			content,
			m.Metadata.EffectivePriority(),
			m.Metadata.Description,
		})
	}
	t.Render()
	return nil
}

func showStatus(cfg config.Runtime, module string) error {
	o := newOrchestrator(cfg)
	if err := o.Registry().Load(); err != nil {
		return err
	}

	j, err := o.Journal()
	if err != nil {
		return err
	}
	defer j.Close()

	lastOutcomes := make(map[string]types.Outcome)
	if last, err := j.LastRun(); err == nil && last != nil {
		for _, record := range last.Records {
			lastOutcomes[record.Module] = record.Outcome
		}
	}

	backups, err := o.StateManager().List()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Module", "Enabled", "Schema", "Last Run", "Backup Slot"})

	manifests := o.Registry().ListInstalled()
	known := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		name := m.Metadata.Name
		known[name] = true
		if module != "" && name != module {
			continue
		}

		outcome := "-"
		if last, ok := lastOutcomes[name]; ok {
			outcome = string(last)
		}
		slot := "-"
		if info, ok := backups[name]; ok {
			slot = info.Timestamp.Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{name, m.Metadata.Enabled, m.Metadata.SchemaVersion.String(), outcome, slot})
	}

	// Orphaned slots: backups whose module no longer exists.
	for name, info := range backups {
		if known[name] {
			continue
		}
		if module != "" && name != module {
			continue
		}
		t.AppendRow(table.Row{name, "-", "-", "-",
			fmt.Sprintf("%s (orphaned)", info.Timestamp.Format("2006-01-02 15:04:05"))})
	}
	t.Render()

	if module != "" && !known[module] {
		if _, ok := backups[module]; !ok {
			return fmt.Errorf("unknown module %s", module)
		}
	}
	return printRunHistory(j, module)
}

func printRunHistory(j *journal.Journal, module string) error {
	runs, err := j.ListRuns()
	if err != nil || len(runs) == 0 {
		return err
	}

	last := runs[len(runs)-1]
	fmt.Printf("\nlast run %s (%s) finished %s with exit code %d\n",
		last.RunID, last.Mode, last.FinishedAt.Format("2006-01-02 15:04:05"), last.ExitCode)
	for _, record := range last.Records {
		if module != "" && record.Module != module {
			continue
		}
		fmt.Printf("  %-20s %-10s %s\n", record.Module, record.Phase, record.Outcome)
	}
	return nil
}

func purgeBackup(cfg config.Runtime, module string) error {
	o := newOrchestrator(cfg)
	existed, err := o.StateManager().Purge(module)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("no backup slot for %s", module)
	}
	fmt.Printf("backup slot for %s removed\n", module)
	return nil
}
