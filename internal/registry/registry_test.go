package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func newTestRegistry(t *testing.T, indexerCmd string) *Registry {
	t.Helper()
	g, err := New(t.TempDir(), indexerCmd)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return g
}

func makeSourceFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return dir
}

func makeSourceGitRepo(t *testing.T) string {
	t.Helper()
	dir := makeSourceFolder(t)
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("."); err != nil {
		t.Fatalf("git add: %v", err)
	}
	if _, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	}); err != nil {
		t.Fatalf("git commit: %v", err)
	}
	return dir
}

func registerAndWait(t *testing.T, g *Registry, req RegisterRequest) *Repo {
	t.Helper()
	repo, err := g.Register(req)
	if err != nil {
		t.Fatalf("register %s: %v", req.Name, err)
	}
	if repo.Status != StatusCloning {
		t.Fatalf("expected status cloning right after register, got %s", repo.Status)
	}
	g.Wait()
	repo, err = g.Get(req.Name)
	if err != nil {
		t.Fatalf("get %s: %v", req.Name, err)
	}
	return repo
}

func TestRegisterFolder(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)

	repo := registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src})
	if repo.Status != StatusReady {
		t.Fatalf("expected ready, got %s (%s)", repo.Status, repo.Error)
	}
	if repo.Git != nil {
		t.Fatalf("folder repo should have no git metadata")
	}

	data, err := os.ReadFile(filepath.Join(repo.LocalPath, "README.md"))
	if err != nil {
		t.Fatalf("read cloned file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected clone content: %q", data)
	}

	if _, err := os.Stat(filepath.Join(g.registryDir(), "demo.json")); err != nil {
		t.Fatalf("record file missing: %v", err)
	}
}

func TestRegisterGitLocal(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceGitRepo(t)

	repo := registerAndWait(t, g, RegisterRequest{Name: "gitrepo", Kind: KindGit, URL: src})
	if repo.Status != StatusReady {
		t.Fatalf("expected ready, got %s (%s)", repo.Status, repo.Error)
	}
	if repo.Git == nil || repo.Git.HeadCommit == "" {
		t.Fatalf("expected git metadata with head commit, got %+v", repo.Git)
	}
	if _, err := os.Stat(filepath.Join(repo.LocalPath, "README.md")); err != nil {
		t.Fatalf("cloned file missing: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)

	cases := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"traversal name", RegisterRequest{Name: "../evil", Kind: KindFolder, URL: src}, ErrInvalidName},
		{"reserved name", RegisterRequest{Name: ".registry", Kind: KindFolder, URL: src}, ErrInvalidName},
		{"unknown kind", RegisterRequest{Name: "x", Kind: "svn", URL: src}, ErrInvalidRequest},
		{"missing url", RegisterRequest{Name: "x", Kind: KindGit}, ErrInvalidRequest},
		{"missing folder", RegisterRequest{Name: "x", Kind: KindFolder, URL: filepath.Join(src, "nope")}, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Register(tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)

	registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src})
	if _, err := g.Register(RegisterRequest{Name: "demo", Kind: KindFolder, URL: src}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegisterCloneFailure(t *testing.T) {
	g := newTestRegistry(t, "")
	src := t.TempDir() // empty dir, not a git repo

	repo := registerAndWait(t, g, RegisterRequest{Name: "broken", Kind: KindGit, URL: src})
	if repo.Status != StatusCloneFailed {
		t.Fatalf("expected clone_failed, got %s", repo.Status)
	}
	if repo.Error == "" {
		t.Fatalf("expected error detail on failed record")
	}
}

func TestIndexBuild(t *testing.T) {
	g := newTestRegistry(t, "true")
	src := makeSourceFolder(t)

	repo := registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src, IndexAware: true})
	if repo.Status != StatusReady {
		t.Fatalf("expected ready, got %s (%s)", repo.Status, repo.Error)
	}
	if repo.IndexStatus != IndexReady {
		t.Fatalf("expected index ready, got %q", repo.IndexStatus)
	}
}

func TestIndexBuildFailure(t *testing.T) {
	g := newTestRegistry(t, "false")
	src := makeSourceFolder(t)

	repo := registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src, IndexAware: true})
	if repo.Status != StatusIndexFailed {
		t.Fatalf("expected index_failed, got %s", repo.Status)
	}
	if repo.IndexStatus != IndexFailed {
		t.Fatalf("expected index status failed, got %q", repo.IndexStatus)
	}
}

func TestIndexSkippedWithoutIndexer(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)

	repo := registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src, IndexAware: true})
	if repo.Status != StatusReady {
		t.Fatalf("expected ready, got %s (%s)", repo.Status, repo.Error)
	}
	if repo.IndexStatus != IndexNone {
		t.Fatalf("expected no index status, got %q", repo.IndexStatus)
	}
}

func TestUnregister(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)
	repo := registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src})

	if err := g.Unregister("demo"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := os.Stat(repo.LocalPath); !os.IsNotExist(err) {
		t.Fatalf("clone dir should be gone, stat err=%v", err)
	}
	if _, err := g.Get("demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unregister, got %v", err)
	}
	if err := g.Unregister("demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unregister, got %v", err)
	}
}

func TestUnregisterRejectsActiveJobs(t *testing.T) {
	g := newTestRegistry(t, "")
	src := makeSourceFolder(t)
	registerAndWait(t, g, RegisterRequest{Name: "demo", Kind: KindFolder, URL: src})

	g.SetJobRefChecker(func(repoName string) bool { return repoName == "demo" })
	if err := g.Unregister("demo"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	g.SetJobRefChecker(func(string) bool { return false })
	if err := g.Unregister("demo"); err != nil {
		t.Fatalf("unregister after jobs finished: %v", err)
	}
}

func TestResolveBuildIndex(t *testing.T) {
	g := newTestRegistry(t, "true")
	src := makeSourceFolder(t)
	registerAndWait(t, g, RegisterRequest{Name: "aware", Kind: KindFolder, URL: src, IndexAware: true})
	registerAndWait(t, g, RegisterRequest{Name: "plain", Kind: KindFolder, URL: src})

	on, off := true, false
	cases := []struct {
		name     string
		repo     string
		override *bool
		want     bool
		wantErr  error
	}{
		{"aware default", "aware", nil, true, nil},
		{"aware forced off", "aware", &off, false, nil},
		{"aware forced on", "aware", &on, true, nil},
		{"plain default", "plain", nil, false, nil},
		{"plain forced off", "plain", &off, false, nil},
		{"plain forced on", "plain", &on, false, ErrIndexUnaware},
		{"unknown repo", "ghost", nil, false, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.ResolveBuildIndex(tc.repo, tc.override)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRestartDemotesInFlightRegistrations(t *testing.T) {
	root := t.TempDir()
	g, err := New(root, "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	for _, rec := range []Repo{
		{Name: "half-cloned", Kind: KindGit, SourceURL: "https://example.com/x.git", LocalPath: filepath.Join(root, "half-cloned"), Status: StatusCloning},
		{Name: "half-indexed", Kind: KindFolder, SourceURL: "/tmp/x", LocalPath: filepath.Join(root, "half-indexed"), Status: StatusIndexing, IndexAware: true, IndexStatus: IndexBuilding},
	} {
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		if err := os.WriteFile(filepath.Join(g.registryDir(), rec.Name+".json"), data, 0644); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}

	g2, err := New(root, "")
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}

	cloned, err := g2.Get("half-cloned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cloned.Status != StatusCloneFailed {
		t.Fatalf("expected clone_failed after restart, got %s", cloned.Status)
	}

	indexed, err := g2.Get("half-indexed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if indexed.Status != StatusIndexFailed || indexed.IndexStatus != IndexFailed {
		t.Fatalf("expected index_failed after restart, got %s/%s", indexed.Status, indexed.IndexStatus)
	}
}

func TestClonePathRequiresReady(t *testing.T) {
	g := newTestRegistry(t, "")
	src := t.TempDir()

	repo := registerAndWait(t, g, RegisterRequest{Name: "broken", Kind: KindGit, URL: src})
	if repo.Status != StatusCloneFailed {
		t.Fatalf("expected clone_failed, got %s", repo.Status)
	}
	if _, err := g.ClonePath("broken"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
