package registry

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/promptdhq/promptd/internal/fsutil"
	"github.com/promptdhq/promptd/internal/pathutil"
)

// defaultIgnore hides tool and dependency directories from browsing.
var defaultIgnore = []string{
	".git",
	".git/**",
	"**/node_modules/**",
	"**/.venv/**",
	"**/vendor/**",
}

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ListEntries lists rel inside the canonical clone of a ready repository.
// Paths are confined to the clone root; symlinks cannot escape it.
func (g *Registry) ListEntries(name, rel string, ignore []string) ([]Entry, error) {
	base, err := g.ClonePath(name)
	if err != nil {
		return nil, err
	}
	rel, err = normalizeRel(rel)
	if err != nil {
		return nil, err
	}

	dirEntries, err := fsutil.ReadDirUnder(base, rel)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", name, rel, err)
	}

	patterns := append(append([]string{}, defaultIgnore...), ignore...)
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entryRel := path.Join(filepath.ToSlash(rel), de.Name())
		if shouldIgnore(entryRel, patterns) {
			continue
		}
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if !de.IsDir() {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ReadContent reads one file from the canonical clone of a ready repository.
func (g *Registry) ReadContent(name, rel string) ([]byte, error) {
	base, err := g.ClonePath(name)
	if err != nil {
		return nil, err
	}
	rel, err = normalizeRel(rel)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("%w: empty file path", ErrInvalidRequest)
	}

	data, err := fsutil.ReadFileUnder(base, rel)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", name, rel, err)
	}
	return data, nil
}

func normalizeRel(rel string) (string, error) {
	if !pathutil.IsSafeRelPath(rel) {
		return "", fmt.Errorf("%w: unsafe path %q", ErrInvalidRequest, rel)
	}
	if rel == "" {
		return ".", nil
	}
	return filepath.Clean(rel), nil
}

func shouldIgnore(rel string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
