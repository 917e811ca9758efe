// Package session discovers assistant-CLI session files on disk so prompts
// can continue an earlier conversation. The CLI keeps one folder per working
// directory (the absolute path, separator-encoded) containing one file per
// session, named by UUID. The ids are opaque to us.
package session

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID       string
	ModTime  time.Time
	FilePath string
}

type Locator struct {
	root string
}

func NewLocator(root string) *Locator {
	return &Locator{root: root}
}

// encodeDir maps an absolute directory path onto the single path element the
// assistant CLI uses for its per-directory folder.
func encodeDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return strings.NewReplacer("/", "-", "\\", "-", ":", "-", ".", "-").Replace(abs)
}

// List returns all sessions recorded for dir, newest first. A missing layout
// yields an empty list, never an error.
func (l *Locator) List(dir string) []Session {
	folder := filepath.Join(l.root, encodeDir(dir))
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil
	}

	var sessions []Session
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			ID:       id,
			ModTime:  info.ModTime(),
			FilePath: filepath.Join(folder, entry.Name()),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ModTime.After(sessions[j].ModTime)
	})
	return sessions
}

// MostRecent returns the most recently modified session id for dir, or
// ok=false when none exists.
func (l *Locator) MostRecent(dir string) (string, bool) {
	sessions := l.List(dir)
	if len(sessions) == 0 {
		return "", false
	}
	return sessions[0].ID, true
}

// Exists reports whether the given session id is recorded for dir.
func (l *Locator) Exists(dir, id string) bool {
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	for _, s := range l.List(dir) {
		if s.ID == id {
			return true
		}
	}
	return false
}
