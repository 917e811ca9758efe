// Package registry tracks registered repositories: their canonical on-disk
// clones, registration lifecycle, and optional semantic index builds. Jobs
// only ever read the canonical clone; the registry is the sole writer.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promptdhq/promptd/internal/config"
	"github.com/promptdhq/promptd/internal/fsutil"
	"github.com/promptdhq/promptd/internal/pathutil"
)

type Kind string

const (
	KindGit    Kind = "git"
	KindFolder Kind = "folder"
)

type Status string

const (
	StatusRegistering Status = "registering"
	StatusCloning     Status = "cloning"
	StatusIndexing    Status = "indexing"
	StatusReady       Status = "ready"
	StatusCloneFailed Status = "clone_failed"
	StatusIndexFailed Status = "index_failed"
)

// Terminal reports whether the registration lifecycle has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusCloneFailed, StatusIndexFailed:
		return true
	}
	return false
}

type IndexStatus string

const (
	IndexNone     IndexStatus = ""
	IndexBuilding IndexStatus = "building"
	IndexReady    IndexStatus = "ready"
	IndexFailed   IndexStatus = "failed"
)

var (
	ErrNotFound       = errors.New("repository not found")
	ErrAlreadyExists  = errors.New("repository already registered")
	ErrInvalidName    = errors.New("invalid repository name")
	ErrNotReady       = errors.New("repository not ready")
	ErrBusy           = errors.New("repository is referenced by active jobs")
	ErrIndexUnaware   = errors.New("repository does not support index builds")
	ErrInvalidRequest = errors.New("invalid registry request")
)

type GitMetadata struct {
	HeadCommit string `json:"head_commit"`
	Branch     string `json:"branch,omitempty"`
}

// Repo is the persisted registry record for one repository.
type Repo struct {
	Name         string                `json:"name"`
	Kind         Kind                  `json:"kind"`
	SourceURL    string                `json:"source_url,omitempty"`
	LocalPath    string                `json:"local_path"`
	RegisteredAt time.Time             `json:"registered_at"`
	Status       Status                `json:"registration_status"`
	IndexStatus  IndexStatus           `json:"index_status,omitempty"`
	IndexAware   bool                  `json:"index_aware"`
	Git          *GitMetadata          `json:"git_metadata,omitempty"`
	GitAuth      *config.GitAuthConfig `json:"git_auth,omitempty"`
	Error        string                `json:"error,omitempty"`
}

func (r *Repo) clone() *Repo {
	out := *r
	if r.Git != nil {
		g := *r.Git
		out.Git = &g
	}
	if r.GitAuth != nil {
		a := *r.GitAuth
		out.GitAuth = &a
	}
	return &out
}

// JobRefChecker reports whether any non-terminal job references the named
// repository. Wired in by the scheduler after construction.
type JobRefChecker func(repoName string) bool

const registryDirName = ".registry"

// Registry owns the records under <reposRoot>/.registry and the canonical
// clones next to them.
type Registry struct {
	reposRoot  string
	indexerCmd string

	mu         sync.Mutex
	repos      map[string]*Repo
	activeRefs JobRefChecker

	wg sync.WaitGroup
}

// New loads existing records from reposRoot. Registrations that were still
// in flight when the process last stopped cannot be resumed and are demoted
// to their failed terminal status.
func New(reposRoot, indexerCmd string) (*Registry, error) {
	g := &Registry{
		reposRoot:  reposRoot,
		indexerCmd: indexerCmd,
		repos:      make(map[string]*Repo),
	}
	if err := os.MkdirAll(g.registryDir(), 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := g.loadRecords(); err != nil {
		return nil, err
	}
	return g, nil
}

// SetJobRefChecker installs the callback consulted by Unregister.
func (g *Registry) SetJobRefChecker(fn JobRefChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeRefs = fn
}

func (g *Registry) registryDir() string {
	return filepath.Join(g.reposRoot, registryDirName)
}

func (g *Registry) recordPath(name string) string {
	return filepath.Join(g.registryDir(), name+".json")
}

func (g *Registry) clonePath(name string) string {
	return filepath.Join(g.reposRoot, name)
}

func (g *Registry) loadRecords() error {
	entries, err := os.ReadDir(g.registryDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.registryDir(), entry.Name()))
		if err != nil {
			log.Printf("registry: skipping unreadable record %s: %v", entry.Name(), err)
			continue
		}
		var repo Repo
		if err := json.Unmarshal(data, &repo); err != nil {
			log.Printf("registry: skipping corrupt record %s: %v", entry.Name(), err)
			continue
		}
		if !repo.Status.Terminal() {
			demoted := StatusCloneFailed
			if repo.Status == StatusIndexing {
				demoted = StatusIndexFailed
				repo.IndexStatus = IndexFailed
			}
			repo.Status = demoted
			repo.Error = "registration interrupted by restart"
			if err := g.persistLocked(&repo); err != nil {
				log.Printf("registry: failed to persist demotion of %s: %v", repo.Name, err)
			}
		}
		g.repos[repo.Name] = &repo
	}
	return nil
}

// persistLocked writes the record file. Callers hold g.mu or own the repo
// exclusively (registration task before the record is shared).
func (g *Registry) persistLocked(repo *Repo) error {
	data, err := json.MarshalIndent(repo, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(g.recordPath(repo.Name), data, 0644)
}

// RegisterRequest describes a repository to register. URL is a remote for
// git repositories and a local directory for folder repositories.
type RegisterRequest struct {
	Name       string
	Kind       Kind
	URL        string
	IndexAware bool
	GitAuth    *config.GitAuthConfig
}

// Register persists the record in status cloning and returns immediately.
// The clone and optional index build continue in the background.
func (g *Registry) Register(req RegisterRequest) (*Repo, error) {
	if !pathutil.IsSafeFileName(req.Name) || req.Name == registryDirName {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, req.Name)
	}
	switch req.Kind {
	case KindGit, KindFolder:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if req.Kind == KindFolder {
		info, err := os.Stat(req.URL)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: source folder %s does not exist", ErrInvalidRequest, req.URL)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.repos[req.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Name)
	}

	repo := &Repo{
		Name:         req.Name,
		Kind:         req.Kind,
		SourceURL:    req.URL,
		LocalPath:    g.clonePath(req.Name),
		RegisteredAt: time.Now().UTC(),
		Status:       StatusCloning,
		IndexAware:   req.IndexAware,
		GitAuth:      req.GitAuth,
	}
	if err := g.persistLocked(repo); err != nil {
		return nil, fmt.Errorf("persist repository record: %w", err)
	}
	g.repos[req.Name] = repo

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runRegistration(req.Name)
	}()

	return repo.clone(), nil
}

// Unregister removes the record and the canonical clone. It refuses while
// the registration is still running or any non-terminal job references the
// repository.
func (g *Registry) Unregister(name string) error {
	g.mu.Lock()
	repo, ok := g.repos[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !repo.Status.Terminal() {
		g.mu.Unlock()
		return fmt.Errorf("%w: registration in progress", ErrBusy)
	}
	if g.activeRefs != nil && g.activeRefs(name) {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	delete(g.repos, name)
	g.mu.Unlock()

	if err := os.Remove(g.recordPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove repository record: %w", err)
	}
	if err := os.RemoveAll(g.clonePath(name)); err != nil {
		return fmt.Errorf("remove repository clone: %w", err)
	}
	return nil
}

// Get returns a snapshot of the named record.
func (g *Registry) Get(name string) (*Repo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, ok := g.repos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return repo.clone(), nil
}

// List returns snapshots of every record, sorted by name.
func (g *Registry) List() []*Repo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Repo, 0, len(g.repos))
	for _, repo := range g.repos {
		out = append(out, repo.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClonePath returns the canonical clone path for a ready repository.
func (g *Registry) ClonePath(name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, ok := g.repos[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if repo.Status != StatusReady {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReady, name, repo.Status)
	}
	return repo.LocalPath, nil
}

// ResolveBuildIndex applies a per-job index override against the repo
// default. Forcing indexing on a repository that is not index-aware is an
// error; the override can only narrow, never widen.
func (g *Registry) ResolveBuildIndex(name string, override *bool) (bool, error) {
	repo, err := g.Get(name)
	if err != nil {
		return false, err
	}
	if !repo.IndexAware {
		if override != nil && *override {
			return false, fmt.Errorf("%w: %s", ErrIndexUnaware, name)
		}
		return false, nil
	}
	if override != nil {
		return *override, nil
	}
	return true, nil
}

// Wait blocks until all in-flight registration tasks finish. Test and
// shutdown helper.
func (g *Registry) Wait() {
	g.wg.Wait()
}

func (g *Registry) setStatus(name string, status Status, mutate func(*Repo)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, ok := g.repos[name]
	if !ok {
		// Unregistered mid-flight; nothing to update.
		return
	}
	repo.Status = status
	if mutate != nil {
		mutate(repo)
	}
	if err := g.persistLocked(repo); err != nil {
		log.Printf("registry: failed to persist %s: %v", name, err)
	}
}
