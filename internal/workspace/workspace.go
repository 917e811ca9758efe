// Package workspace materializes per-job writable clones of a repository's
// canonical copy. It prefers filesystem-native copy-on-write (reflink, then
// btrfs snapshot) and falls back to a full copy when the filesystem cannot
// do better.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

type Mode string

const (
	ModeReflink  Mode = "reflink"
	ModeSnapshot Mode = "snapshot"
	ModeRsync    Mode = "rsync"
	ModeCopy     Mode = "copy"
)

var (
	ErrSourceMissing = errors.New("workspace source missing")
	ErrTargetExists  = errors.New("workspace target already exists")
	ErrNoSpace       = errors.New("no space left for workspace")
	ErrCopyFailed    = errors.New("workspace copy failed")
)

type Workspace struct {
	JobID     string
	Path      string
	CreatedAt time.Time
	Mode      Mode
}

const workspaceDirName = "workspace"

// Manager creates and destroys job workspaces under a jobs root. The
// capability probe runs once per root and is cached for the manager's
// lifetime.
type Manager struct {
	jobsRoot string

	detectOnce sync.Once
	mode       Mode
}

func NewManager(jobsRoot string) *Manager {
	return &Manager{jobsRoot: jobsRoot}
}

// Mode reports the best copy mode available for the jobs root.
func (m *Manager) Mode() Mode {
	m.detectOnce.Do(func() {
		m.mode = detectMode(m.jobsRoot)
	})
	return m.mode
}

// Create materializes a new workspace for jobID from repoPath. The operation
// is atomic from the caller's perspective: the tree is staged under a
// .partial name and renamed into place only when fully copied. On copy
// failure the manager falls back one mode at a time before giving up.
func (m *Manager) Create(ctx context.Context, repoPath, jobID string) (*Workspace, error) {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, repoPath)
	}

	jobDir := filepath.Join(m.jobsRoot, jobID)
	target := filepath.Join(jobDir, workspaceDirName)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetExists, target)
	}
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	staging := filepath.Join(jobDir, "."+workspaceDirName+".partial")
	_ = os.RemoveAll(staging)

	mode := m.Mode()
	var lastErr error
	for _, attempt := range fallbackChain(mode) {
		if ctx.Err() != nil {
			_ = os.RemoveAll(staging)
			return nil, ctx.Err()
		}
		if err := copyTreeWith(ctx, attempt, repoPath, staging); err != nil {
			_ = os.RemoveAll(staging)
			if isNoSpace(err) {
				return nil, fmt.Errorf("%w: %v", ErrNoSpace, err)
			}
			lastErr = err
			log.Printf("workspace: %s copy of %s failed, falling back: %v", attempt, repoPath, err)
			continue
		}
		if err := os.Rename(staging, target); err != nil {
			_ = os.RemoveAll(staging)
			return nil, fmt.Errorf("finalize workspace: %w", err)
		}
		return &Workspace{
			JobID:     jobID,
			Path:      target,
			CreatedAt: time.Now(),
			Mode:      attempt,
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrCopyFailed, lastErr)
}

// Destroy removes a workspace directory recursively. Errors are surfaced to
// the caller, which still marks the owning job destroyed.
func (m *Manager) Destroy(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("destroy workspace %s: %w", path, err)
	}
	return nil
}

func fallbackChain(start Mode) []Mode {
	order := []Mode{ModeReflink, ModeSnapshot, ModeRsync, ModeCopy}
	for i, m := range order {
		if m == start {
			return order[i:]
		}
	}
	return []Mode{ModeCopy}
}

func copyTreeWith(ctx context.Context, mode Mode, src, dst string) error {
	switch mode {
	case ModeReflink:
		return runCopyCmd(ctx, "cp", "-a", "--reflink=always", src, dst)
	case ModeSnapshot:
		return runCopyCmd(ctx, "btrfs", "subvolume", "snapshot", src, dst)
	case ModeRsync:
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		return runCopyCmd(ctx, "rsync", "-a", src+string(os.PathSeparator), dst+string(os.PathSeparator))
	case ModeCopy:
		return CopyTree(src, dst)
	default:
		return fmt.Errorf("unknown copy mode %q", mode)
	}
}

func runCopyCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// CopyTree is the portable last-resort copy. Symlinks are recreated, other
// special files skipped.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isNoSpace(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	// cp/rsync report ENOSPC only through their output.
	return strings.Contains(err.Error(), "No space left on device")
}
