package dbdump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/steward-sh/steward/pkg/types"
)

// Dumper abstracts dump and restore of one declared database so tests can
// substitute a fake for the external tools.
type Dumper interface {
	// Dump writes a restorable snapshot of the database to destPath.
	Dump(ctx context.Context, spec types.DatabaseSpec, destPath string) error

	// Restore loads the snapshot at srcPath back into the database.
	Restore(ctx context.Context, spec types.DatabaseSpec, srcPath string) error
}

// ToolDumper shells out to the engine's native dump tools. Tool names are
// fields so tests can point them at substitutes.
type ToolDumper struct {
	MySQLDump string
	MySQL     string
	PGDump    string
	PGRestore string
}

// NewToolDumper returns a ToolDumper using the standard tool names,
// resolved through PATH.
func NewToolDumper() *ToolDumper {
	return &ToolDumper{
		MySQLDump: "mysqldump",
		MySQL:     "mysql",
		PGDump:    "pg_dump",
		PGRestore: "pg_restore",
	}
}

func connectionArgs(spec types.DatabaseSpec) []string {
	var args []string
	if spec.Host != "" {
		args = append(args, "-h", spec.Host)
	}
	if spec.Port != 0 {
		args = append(args, "-P", strconv.Itoa(spec.Port))
	}
	if spec.User != "" {
		args = append(args, "-u", spec.User)
	}
	return args
}

func pgConnectionArgs(spec types.DatabaseSpec) []string {
	var args []string
	if spec.Host != "" {
		args = append(args, "-h", spec.Host)
	}
	if spec.Port != 0 {
		args = append(args, "-p", strconv.Itoa(spec.Port))
	}
	if spec.User != "" {
		args = append(args, "-U", spec.User)
	}
	return args
}

// Dump snapshots the database into destPath. MySQL dumps are plain SQL taken
// under --single-transaction; Postgres dumps use the custom archive format so
// pg_restore can drop and recreate objects on the way back in.
func (d *ToolDumper) Dump(ctx context.Context, spec types.DatabaseSpec, destPath string) error {
	switch spec.Type {
	case types.EngineMySQL:
		args := append(connectionArgs(spec), "--single-transaction", "--routines", spec.Name)
		return runToFile(ctx, destPath, d.MySQLDump, args...)
	case types.EnginePostgres:
		args := append(pgConnectionArgs(spec), "-Fc", "-f", destPath, spec.Name)
		return run(ctx, d.PGDump, args...)
	default:
		return fmt.Errorf("unsupported database type %q", spec.Type)
	}
}

// Restore loads the dump at srcPath back into the database.
func (d *ToolDumper) Restore(ctx context.Context, spec types.DatabaseSpec, srcPath string) error {
	switch spec.Type {
	case types.EngineMySQL:
		args := append(connectionArgs(spec), spec.Name)
		return runFromFile(ctx, srcPath, d.MySQL, args...)
	case types.EnginePostgres:
		args := append(pgConnectionArgs(spec), "--clean", "--if-exists", "-d", spec.Name, srcPath)
		return run(ctx, d.PGRestore, args...)
	default:
		return fmt.Errorf("unsupported database type %q", spec.Type)
	}
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, err, &stderr)
	}
	return nil
}

func runToFile(ctx context.Context, destPath, name string, args ...string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(destPath)
		return commandError(name, err, &stderr)
	}
	return out.Sync()
}

func runFromFile(ctx context.Context, srcPath, name string, args ...string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open dump file: %w", err)
	}
	defer in.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = in
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, err, &stderr)
	}
	return nil
}

func commandError(name string, err error, stderr *bytes.Buffer) error {
	msg := stderr.String()
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg != "" {
		return fmt.Errorf("%s failed: %w: %s", name, err, msg)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}
