package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/promptdhq/promptd/internal/gitauth"
	"github.com/promptdhq/promptd/internal/workspace"
)

const (
	cloneTimeout = 10 * time.Minute
	indexTimeout = 30 * time.Minute
)

// runRegistration performs the clone and optional index build for a repo
// already persisted in status cloning. All outcomes land the record in a
// terminal status.
func (g *Registry) runRegistration(name string) {
	repo, err := g.Get(name)
	if err != nil {
		return
	}

	meta, err := g.materializeClone(repo)
	if err != nil {
		g.setStatus(name, StatusCloneFailed, func(r *Repo) {
			r.Error = err.Error()
		})
		return
	}

	if !repo.IndexAware || g.indexerCmd == "" {
		g.setStatus(name, StatusReady, func(r *Repo) {
			r.Git = meta
			r.Error = ""
		})
		return
	}

	g.setStatus(name, StatusIndexing, func(r *Repo) {
		r.Git = meta
		r.IndexStatus = IndexBuilding
		r.Error = ""
	})

	if err := g.buildIndex(repo.LocalPath); err != nil {
		g.setStatus(name, StatusIndexFailed, func(r *Repo) {
			r.IndexStatus = IndexFailed
			r.Error = err.Error()
		})
		return
	}

	g.setStatus(name, StatusReady, func(r *Repo) {
		r.IndexStatus = IndexReady
		r.Error = ""
	})
}

// materializeClone stages the clone under a .partial name and renames it
// into place so a killed registration never leaves a half-written canonical
// clone behind.
func (g *Registry) materializeClone(repo *Repo) (*GitMetadata, error) {
	staging := repo.LocalPath + ".partial"
	_ = os.RemoveAll(staging)

	var meta *GitMetadata
	var err error
	switch repo.Kind {
	case KindGit:
		meta, err = cloneGit(repo, staging)
	case KindFolder:
		err = cloneFolder(repo.SourceURL, staging)
	default:
		err = fmt.Errorf("unknown repository kind %q", repo.Kind)
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	_ = os.RemoveAll(repo.LocalPath)
	if err := os.Rename(staging, repo.LocalPath); err != nil {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("finalize clone: %w", err)
	}
	return meta, nil
}

func cloneGit(repo *Repo, dst string) (*GitMetadata, error) {
	auth, err := gitauth.AuthMethod(repo.GitAuth)
	if err != nil {
		return nil, fmt.Errorf("resolve git auth: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cloneTimeout)
	defer cancel()

	cloned, err := git.PlainCloneContext(ctx, dst, false, &git.CloneOptions{
		URL:   repo.SourceURL,
		Depth: 1,
		Auth:  auth,
		Tags:  git.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", repo.SourceURL, err)
	}

	head, err := cloned.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	meta := &GitMetadata{HeadCommit: head.Hash().String()}
	if head.Name().IsBranch() {
		meta.Branch = head.Name().Short()
	} else if ref, err := cloned.Reference(plumbing.HEAD, false); err == nil && ref.Type() == plumbing.SymbolicReference {
		meta.Branch = ref.Target().Short()
	}
	return meta, nil
}

func cloneFolder(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if err := workspace.CopyTree(src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func (g *Registry) buildIndex(clonePath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.indexerCmd, clonePath)
	cmd.Dir = clonePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("indexer %s: %w: %s", g.indexerCmd, err, truncate(out, 512))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
