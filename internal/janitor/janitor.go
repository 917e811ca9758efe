// Package janitor reclaims disk space left behind by deleted or crashed
// jobs. Every sweep is idempotent and skips anything still owned by a live
// job record.
package janitor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/scheduler"
)

// JobLookup resolves a job id to its current record. The scheduler provides
// this; unknown ids mean the record was deleted.
type JobLookup interface {
	Get(id string) (*job.Job, error)
}

type Janitor struct {
	jobsRoot  string
	retention time.Duration
	jobs      JobLookup
	cron      *cron.Cron
}

func New(jobsRoot string, retention time.Duration, jobs JobLookup) *Janitor {
	return &Janitor{
		jobsRoot:  jobsRoot,
		retention: retention,
		jobs:      jobs,
		cron:      cron.New(),
	}
}

// Start schedules periodic sweeps. The first sweep runs after one interval,
// not at startup, so recovery finishes before the janitor looks around.
func (j *Janitor) Start(interval time.Duration) error {
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := j.Sweep(); err != nil {
			log.Printf("janitor: sweep: %v", err)
		}
	}); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep runs all reclaim passes in parallel and returns their combined
// error. A failing pass never stops the others.
func (j *Janitor) Sweep() error {
	var g errgroup.Group
	g.Go(j.sweepOrphanWorkspaces)
	g.Go(j.sweepStaleJobDirs)
	g.Go(j.sweepStaleUploads)
	return g.Wait()
}

// owned reports whether the directory belongs to a job the scheduler still
// tracks. Non-terminal jobs are always left alone; terminal jobs keep their
// dirs until an explicit delete.
func (j *Janitor) owned(id string) bool {
	if j.jobs == nil {
		return false
	}
	_, err := j.jobs.Get(id)
	return !errors.Is(err, scheduler.ErrNotFound)
}

func (j *Janitor) jobDirs() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(j.jobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// sweepOrphanWorkspaces removes workspace trees whose job record is gone.
// These appear when a delete was interrupted between record and workspace
// removal.
func (j *Janitor) sweepOrphanWorkspaces() error {
	entries, err := j.jobDirs()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || j.owned(entry.Name()) {
			continue
		}
		dir := filepath.Join(j.jobsRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "state.json")); err == nil {
			continue
		}
		wsDir := filepath.Join(dir, "workspace")
		if _, err := os.Stat(wsDir); err != nil {
			continue
		}
		if err := os.RemoveAll(wsDir); err != nil {
			log.Printf("janitor: remove orphan workspace %s: %v", wsDir, err)
			continue
		}
		log.Printf("janitor: removed orphan workspace %s", wsDir)
	}
	return nil
}

// sweepStaleJobDirs removes whole job directories that have no state file
// and have been untouched past the retention window.
func (j *Janitor) sweepStaleJobDirs() error {
	entries, err := j.jobDirs()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-j.retention)
	for _, entry := range entries {
		if !entry.IsDir() || j.owned(entry.Name()) {
			continue
		}
		dir := filepath.Join(j.jobsRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "state.json")); err == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("janitor: remove stale job dir %s: %v", dir, err)
			continue
		}
		log.Printf("janitor: removed stale job dir %s", dir)
	}
	return nil
}

// sweepStaleUploads removes upload directories of deleted jobs past the
// retention window, even when the rest of the dir is newer.
func (j *Janitor) sweepStaleUploads() error {
	entries, err := j.jobDirs()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-j.retention)
	for _, entry := range entries {
		if !entry.IsDir() || j.owned(entry.Name()) {
			continue
		}
		dir := filepath.Join(j.jobsRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "state.json")); err == nil {
			continue
		}
		uploads := filepath.Join(dir, "uploads")
		info, err := os.Stat(uploads)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(uploads); err != nil {
			log.Printf("janitor: remove stale uploads %s: %v", uploads, err)
			continue
		}
		log.Printf("janitor: removed stale uploads %s", uploads)
	}
	return nil
}
