// Package fsutil holds small filesystem helpers shared by the on-disk
// stores: atomic writes and safe reads confined to a root.
package fsutil

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a torn write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}

// ReadFileUnder reads fileName resolved strictly below baseDir. Symlinks and
// traversal segments cannot escape the root.
func ReadFileUnder(baseDir, fileName string) ([]byte, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return root.ReadFile(fileName)
}

// ReadDirUnder lists dirName resolved strictly below baseDir.
func ReadDirUnder(baseDir, dirName string) ([]os.DirEntry, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	dir, err := root.Open(dirName)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	return dir.ReadDir(-1)
}

// StatUnder stats relPath resolved strictly below baseDir.
func StatUnder(baseDir, relPath string) (os.FileInfo, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return root.Stat(relPath)
}
