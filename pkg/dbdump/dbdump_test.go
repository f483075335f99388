package dbdump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/types"
)

// writeTool creates an executable stand-in for a dump tool.
func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestMySQLDumpToFile(t *testing.T) {
	tools := t.TempDir()
	d := NewToolDumper()
	// The stand-in prints the dump on stdout the way mysqldump does.
	d.MySQLDump = writeTool(t, tools, "mysqldump", `echo "-- dump of $3"`)

	dest := filepath.Join(t.TempDir(), "db_0.sql")
	spec := types.DatabaseSpec{Type: types.EngineMySQL, Name: "appdb"}
	require.NoError(t, d.Dump(context.Background(), spec, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "appdb")
}

func TestMySQLRestoreFromFile(t *testing.T) {
	tools := t.TempDir()
	sink := filepath.Join(t.TempDir(), "applied.sql")

	d := NewToolDumper()
	// The stand-in consumes stdin the way the mysql client does.
	d.MySQL = writeTool(t, tools, "mysql", fmt.Sprintf("cat > %s", sink))

	src := filepath.Join(t.TempDir(), "db_0.sql")
	require.NoError(t, os.WriteFile(src, []byte("CREATE TABLE t (id int);"), 0o644))

	spec := types.DatabaseSpec{Type: types.EngineMySQL, Name: "appdb"}
	require.NoError(t, d.Restore(context.Background(), spec, src))

	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);", string(data))
}

func TestDumpFailureRemovesPartialFile(t *testing.T) {
	tools := t.TempDir()
	d := NewToolDumper()
	d.MySQLDump = writeTool(t, tools, "mysqldump",
		`echo "partial output"
echo "access denied" >&2
exit 2`)

	dest := filepath.Join(t.TempDir(), "db_0.sql")
	spec := types.DatabaseSpec{Type: types.EngineMySQL, Name: "appdb"}
	err := d.Dump(context.Background(), spec, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.NoFileExists(t, dest)
}

func TestPostgresDumpArgs(t *testing.T) {
	tools := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")

	d := NewToolDumper()
	d.PGDump = writeTool(t, tools, "pg_dump", fmt.Sprintf(`echo "$@" > %s
# -f <dest> is consumed by the real tool; emulate the file write.
while [ $# -gt 0 ]; do
	if [ "$1" = "-f" ]; then touch "$2"; fi
	shift
done`, argsFile))

	dest := filepath.Join(t.TempDir(), "db_1.pgdump")
	spec := types.DatabaseSpec{
		Type: types.EnginePostgres,
		Name: "appdb",
		User: "postgres",
		Host: "localhost",
		Port: 5432,
	}
	require.NoError(t, d.Dump(context.Background(), spec, dest))

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := string(data)
	assert.Contains(t, args, "-h localhost")
	assert.Contains(t, args, "-p 5432")
	assert.Contains(t, args, "-U postgres")
	assert.Contains(t, args, "-Fc")
	assert.Contains(t, args, "appdb")
}

func TestUnsupportedEngine(t *testing.T) {
	d := NewToolDumper()
	spec := types.DatabaseSpec{Type: "oracle", Name: "legacy"}

	err := d.Dump(context.Background(), spec, filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
	err = d.Restore(context.Background(), spec, filepath.Join(t.TempDir(), "in"))
	assert.Error(t, err)
}
