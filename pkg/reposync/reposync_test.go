package reposync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/types"
)

func commitFile(t *testing.T, repoDir, name, content string) string {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(repoDir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, name), []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "fleet", Email: "fleet@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func initUpstream(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, dir, "modules/website/index.json", `{"metadata":{"name":"website"}}`)
	return dir
}

func TestRefreshCloneThenNoop(t *testing.T) {
	upstream := initUpstream(t)
	staging := filepath.Join(t.TempDir(), "staging")

	res, err := Refresh(context.Background(), upstream, "master", staging)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.NotEmpty(t, res.Head)
	assert.FileExists(t, filepath.Join(staging, "modules/website/index.json"))

	// Second refresh with no upstream movement reports updated=false.
	res2, err := Refresh(context.Background(), upstream, "master", staging)
	require.NoError(t, err)
	assert.False(t, res2.Updated)
	assert.Equal(t, res.Head, res2.Head)
}

func TestRefreshFastForward(t *testing.T) {
	upstream := initUpstream(t)
	staging := filepath.Join(t.TempDir(), "staging")

	_, err := Refresh(context.Background(), upstream, "master", staging)
	require.NoError(t, err)

	head := commitFile(t, upstream, "modules/website/index.mjs", "console.log('run')")

	res, err := Refresh(context.Background(), upstream, "master", staging)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, head, res.Head)
	assert.FileExists(t, filepath.Join(staging, "modules/website/index.mjs"))
}

func TestRefreshDivergenceIsRepoStateError(t *testing.T) {
	upstream := initUpstream(t)
	staging := filepath.Join(t.TempDir(), "staging")

	_, err := Refresh(context.Background(), upstream, "master", staging)
	require.NoError(t, err)

	// A local commit in staging makes the fast-forward impossible.
	commitFile(t, staging, "local.txt", "drift")
	commitFile(t, upstream, "upstream.txt", "moved on")

	_, err = Refresh(context.Background(), upstream, "master", staging)
	require.Error(t, err)
	assert.Equal(t, types.KindRepoState, types.KindOf(err))
}

func TestRefreshUnreachableUpstream(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "staging")

	_, err := Refresh(context.Background(), filepath.Join(t.TempDir(), "nope"), "master", staging)
	require.Error(t, err)
	assert.Equal(t, types.KindNetwork, types.KindOf(err))
}

func TestDiffSubtree(t *testing.T) {
	staging := t.TempDir()
	installed := t.TempDir()

	write := func(root, rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write(staging, "modules/website/index.json", "same")
	write(installed, "modules/website/index.json", "same")
	write(staging, "modules/website/index.mjs", "new code")
	write(installed, "modules/website/index.mjs", "old code")
	write(staging, "modules/website/src/new.sh", "added")
	write(installed, "modules/website/src/gone.sh", "removed")

	diff, err := DiffSubtree(staging, installed, "modules/website")
	require.NoError(t, err)

	assert.NotContains(t, diff.ChangedFiles, "index.json")
	assert.Contains(t, diff.ChangedFiles, "index.mjs")
	assert.Contains(t, diff.ChangedFiles, filepath.Join("src", "new.sh"))
	assert.Contains(t, diff.RemovedFiles, filepath.Join("src", "gone.sh"))
	assert.Len(t, diff.RemovedFiles, 1)
}

func TestDiffSubtreeMissingRoots(t *testing.T) {
	diff, err := DiffSubtree(t.TempDir(), t.TempDir(), "modules/absent")
	require.NoError(t, err)
	assert.Empty(t, diff.ChangedFiles)
	assert.Empty(t, diff.RemovedFiles)
}
