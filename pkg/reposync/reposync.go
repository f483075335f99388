package reposync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/types"
)

// Result reports the outcome of a staging refresh.
type Result struct {
	// Updated is true when the staging tree moved to a new commit.
	Updated bool

	// Head is the commit id the staging tree now reflects.
	Head string
}

// Diff is the per-subtree comparison between staging and installed trees.
type Diff struct {
	// ChangedFiles are relative paths that differ by content hash or exist
	// only in staging.
	ChangedFiles map[string]struct{}

	// RemovedFiles exist in the installed tree but not in staging.
	RemovedFiles map[string]struct{}
}

// Refresh ensures dest reflects branch of url at its latest commit. An empty
// or missing dest is cloned; an existing one is fetched and fast-forwarded.
// History rewriting is never applied: divergence from upstream is a
// repo-state error and the caller proceeds without staging.
func Refresh(ctx context.Context, url, branch, dest string) (Result, error) {
	repo, err := git.PlainOpen(dest)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return clone(ctx, url, branch, dest)
	}
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "staging tree unreadable: %v", err)
	}
	return fastForward(ctx, repo, url, branch)
}

func clone(ctx context.Context, url, branch, dest string) (Result, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Result{}, types.Errorf(types.KindInternal, "failed to create staging dir: %v", err)
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return Result{}, classifyTransport(err, "clone failed")
	}

	head, err := repo.Head()
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "cloned tree has no head: %v", err)
	}

	log.WithComponent("reposync").Info().
		Str("head", head.Hash().String()).
		Msg("cloned upstream repository")
	return Result{Updated: true, Head: head.Hash().String()}, nil
}

func fastForward(ctx context.Context, repo *git.Repository, url, branch string) (Result, error) {
	err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return Result{}, classifyTransport(err, "fetch failed")
	}

	remoteRef, err := repo.Reference(
		plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "upstream branch %s missing: %v", branch, err)
	}

	headRef, err := repo.Head()
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "staging tree has no head: %v", err)
	}

	if headRef.Hash() == remoteRef.Hash() {
		return Result{Updated: false, Head: headRef.Hash().String()}, nil
	}

	// Fast-forward only: the local head must be an ancestor of upstream.
	local, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "local head unreadable: %v", err)
	}
	remote, err := repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "upstream head unreadable: %v", err)
	}
	ancestor, err := local.IsAncestor(remote)
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "ancestry check failed: %v", err)
	}
	if !ancestor {
		return Result{}, types.Errorf(types.KindRepoState,
			"staging tree diverged from upstream %s", branch)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "staging worktree unavailable: %v", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return Result{}, types.Errorf(types.KindRepoState, "fast-forward reset failed: %v", err)
	}

	log.WithComponent("reposync").Info().
		Str("head", remoteRef.Hash().String()).
		Msg("fast-forwarded staging tree")
	return Result{Updated: true, Head: remoteRef.Hash().String()}, nil
}

// classifyTransport maps go-git transport failures to the network error kind;
// only a missing local repository is reported as a repo-state problem.
func classifyTransport(err error, msg string) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, context.DeadlineExceeded):
		return types.Errorf(types.KindNetwork, "%s: %v", msg, err)
	}
	// Dial and DNS errors surface as opaque wrapped errors from the
	// transport layer; treat anything that is not a local git condition
	// as unreachable upstream.
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return types.Errorf(types.KindRepoState, "%s: %v", msg, err)
	}
	return types.Errorf(types.KindNetwork, "%s: %v", msg, err)
}

// DiffSubtree compares subpath between the staging and installed trees by
// content hash. ChangedFiles differ or exist only in staging; RemovedFiles
// exist only in the installed tree. Paths are relative to subpath.
func DiffSubtree(staging, installed, subpath string) (Diff, error) {
	diff := Diff{
		ChangedFiles: make(map[string]struct{}),
		RemovedFiles: make(map[string]struct{}),
	}

	stagingRoot := filepath.Join(staging, subpath)
	installedRoot := filepath.Join(installed, subpath)

	stagingHashes, err := hashTree(stagingRoot)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to hash staging subtree: %w", err)
	}
	installedHashes, err := hashTree(installedRoot)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to hash installed subtree: %w", err)
	}

	for rel, hash := range stagingHashes {
		if installedHashes[rel] != hash {
			diff.ChangedFiles[rel] = struct{}{}
		}
	}
	for rel := range installedHashes {
		if _, ok := stagingHashes[rel]; !ok {
			diff.RemovedFiles[rel] = struct{}{}
		}
	}
	return diff, nil
}

// hashTree maps relative file paths to content hashes. A missing root yields
// an empty map. The .git directory is never part of a comparison.
func hashTree(root string) (map[string]string, error) {
	hashes := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == git.GitDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
