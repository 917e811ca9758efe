package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// IsSafeRelPath returns true if the path is safe to join under a root.
// It rejects absolute paths and paths that traverse above the root.
func IsSafeRelPath(rel string) bool {
	if rel == "" {
		return true
	}
	if filepath.IsAbs(rel) {
		return false
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}

// IsSafeFileName returns true if name is usable as a single path element.
// Separators, traversal segments and empty names are rejected.
func IsSafeFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return filepath.Base(name) == name
}
