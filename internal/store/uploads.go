package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/pathutil"
)

var (
	ErrUploadExists      = errors.New("upload with this name already exists")
	ErrInvalidUploadName = errors.New("invalid upload file name")
)

// SaveUpload stores an uploaded file under the job's uploads directory and
// appends it to the job record. A name collision is rejected unless
// overwrite is set, in which case the stored file and its record entry are
// replaced. Filenames are unique per job.
func (s *Store) SaveUpload(j *job.Job, name, contentType string, r io.Reader, overwrite bool) (*job.Upload, error) {
	if !pathutil.IsSafeFileName(name) {
		return nil, ErrInvalidUploadName
	}

	existing := -1
	for i, u := range j.Uploads {
		if u.OriginalName == name {
			existing = i
			break
		}
	}
	if existing >= 0 && !overwrite {
		return nil, ErrUploadExists
	}

	dir := s.UploadsDir(j.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	storedPath := filepath.Join(dir, name)
	f, err := os.OpenFile(storedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("write upload: %w", err)
	}

	upload := job.Upload{
		OriginalName: name,
		StoredPath:   storedPath,
		Size:         size,
		ContentType:  contentType,
	}
	if existing >= 0 {
		j.Uploads[existing] = upload
	} else {
		j.Uploads = append(j.Uploads, upload)
	}

	if err := s.Save(j); err != nil {
		return nil, err
	}
	return &upload, nil
}
