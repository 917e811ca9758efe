// Package store persists job records under a jobs root, one directory per
// job: state.json (atomic, versioned), output.log (append-only) and
// uploads/. On startup it reloads every record and demotes jobs the host
// cannot resume.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/promptdhq/promptd/internal/fsutil"
	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/pathutil"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidJobID = errors.New("invalid job id")
)

type Store struct {
	jobsRoot string
}

func New(jobsRoot string) *Store {
	return &Store{jobsRoot: jobsRoot}
}

func (s *Store) Root() string { return s.jobsRoot }

func (s *Store) JobDir(id string) string {
	return filepath.Join(s.jobsRoot, id)
}

func (s *Store) StatePath(id string) string {
	return filepath.Join(s.JobDir(id), "state.json")
}

func (s *Store) OutputPath(id string) string {
	return filepath.Join(s.JobDir(id), "output.log")
}

func (s *Store) UploadsDir(id string) string {
	return filepath.Join(s.JobDir(id), "uploads")
}

// Save writes state.json atomically. A failed write is retried once before
// the error is surfaced.
func (s *Store) Save(j *job.Job) error {
	if !pathutil.IsSafeFileName(j.ID) {
		return ErrInvalidJobID
	}
	if err := os.MkdirAll(s.JobDir(j.ID), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.StatePath(j.ID), data, 0600); err != nil {
		log.Printf("store: retrying state write for job %s: %v", j.ID, err)
		if err := fsutil.WriteFileAtomic(s.StatePath(j.ID), data, 0600); err != nil {
			return fmt.Errorf("write job state: %w", err)
		}
	}
	return nil
}

// Load reads one job record.
func (s *Store) Load(id string) (*job.Job, error) {
	if !pathutil.IsSafeFileName(id) {
		return nil, ErrInvalidJobID
	}
	data, err := os.ReadFile(s.StatePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job state %s: %w", id, err)
	}
	return &j, nil
}

// LoadAll enumerates every job directory and applies recovery rules: a job
// persisted as running is demoted to failed(host_restart) because a foreign
// subprocess cannot be reclaimed, and a record written by a newer schema is
// demoted to failed(incompatible_state). Demotions are persisted before the
// set is returned. A partially written output.log is kept as-is.
func (s *Store) LoadAll() ([]*job.Job, error) {
	entries, err := os.ReadDir(s.jobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []*job.Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Load(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			log.Printf("store: skipping unreadable job %s: %v", entry.Name(), err)
			continue
		}

		demoted := false
		switch {
		case j.SchemaVersion > job.SchemaVersion:
			j.Status = job.StatusFailed
			j.Reason = job.ReasonIncompatible
			j.Error = fmt.Sprintf("state schema %d is newer than supported %d", j.SchemaVersion, job.SchemaVersion)
			j.SchemaVersion = job.SchemaVersion
			demoted = true
		case j.Status == job.StatusRunning:
			j.Status = job.StatusFailed
			j.Reason = job.ReasonHostRestart
			j.Error = "host restarted while job was running"
			demoted = true
		}
		if demoted {
			j.PID = 0
			if j.CompletedAt.IsZero() {
				j.CompletedAt = time.Now()
			}
			if err := s.Save(j); err != nil {
				log.Printf("store: persisting recovery demotion for %s: %v", j.ID, err)
			}
		}

		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Delete removes the whole job directory, including workspace, output and
// uploads.
func (s *Store) Delete(id string) error {
	if !pathutil.IsSafeFileName(id) {
		return ErrInvalidJobID
	}
	if _, err := os.Stat(s.JobDir(id)); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(s.JobDir(id))
}

// OpenOutput opens the append-only output log for writing.
func (s *Store) OpenOutput(id string) (*os.File, error) {
	if !pathutil.IsSafeFileName(id) {
		return nil, ErrInvalidJobID
	}
	if err := os.MkdirAll(s.JobDir(id), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(s.OutputPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// OutputSize returns the current length of the output log, zero when the
// log does not exist yet.
func (s *Store) OutputSize(id string) int64 {
	info, err := os.Stat(s.OutputPath(id))
	if err != nil {
		return 0
	}
	return info.Size()
}
