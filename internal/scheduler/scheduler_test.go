package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptdhq/promptd/internal/broker"
	"github.com/promptdhq/promptd/internal/executor"
	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/registry"
	"github.com/promptdhq/promptd/internal/store"
	"github.com/promptdhq/promptd/internal/workspace"
)

type fixture struct {
	sched  *Scheduler
	store  *store.Store
	reg    *registry.Registry
	broker *broker.Broker
}

// newFixture wires a scheduler around real components. The assistant is
// /bin/sh running the given script; prompts arrive as extra argv entries
// the script ignores.
func newFixture(t *testing.T, maxConcurrent int, script string) *fixture {
	t.Helper()

	jobsRoot := t.TempDir()
	reposRoot := t.TempDir()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	reg, err := registry.New(reposRoot, "")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Register(registry.RegisterRequest{Name: "demo", Kind: registry.KindFolder, URL: src}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Wait()

	st := store.New(jobsRoot)
	br := broker.New(st)
	exec := executor.New("/bin/sh", []string{"-c", script}, nil)
	ws := workspace.NewManager(jobsRoot)

	sched := New(Config{
		MaxConcurrent:  maxConcurrent,
		DefaultTimeout: 30 * time.Second,
		CancelGrace:    500 * time.Millisecond,
		DrainTimeout:   5 * time.Second,
	}, st, ws, exec, reg, br, nil)
	reg.SetJobRefChecker(sched.HasActiveJobs)

	return &fixture{sched: sched, store: st, reg: reg, broker: br}
}

func waitStatus(t *testing.T, s *Scheduler, id string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if j.Status == want {
			return j
		}
		if j.Status.Terminal() {
			t.Fatalf("job %s reached %s (reason=%s err=%s), want %s", id, j.Status, j.Reason, j.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestJobLifecycleCompleted(t *testing.T) {
	f := newFixture(t, 2, "echo assistant output")
	events, unsub := f.sched.Subscribe()
	defer unsub()

	j, err := f.sched.Create("alice", "demo", "do the thing", job.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != job.StatusCreated {
		t.Fatalf("expected created, got %s", j.Status)
	}

	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := waitStatus(t, f.sched, j.ID, job.StatusCompleted)

	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", done.ExitCode)
	}
	if done.WorkspacePath == "" || done.WorkspaceMode == "" {
		t.Fatalf("workspace fields not recorded: %+v", done)
	}
	if done.StartedAt.IsZero() || done.CompletedAt.IsZero() {
		t.Fatalf("timestamps not recorded: %+v", done)
	}

	// The workspace is a private copy of the canonical clone.
	if _, err := os.Stat(filepath.Join(done.WorkspacePath, "README.md")); err != nil {
		t.Fatalf("workspace missing repo content: %v", err)
	}

	data, err := os.ReadFile(f.store.OutputPath(j.ID))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "assistant output") {
		t.Fatalf("unexpected output log: %q", data)
	}

	// Persisted record matches the in-memory terminal state.
	persisted, err := f.store.Load(j.ID)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if persisted.Status != job.StatusCompleted {
		t.Fatalf("persisted status %s, want completed", persisted.Status)
	}

	seen := map[job.Status]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[job.StatusCompleted] {
		select {
		case ev := <-events:
			seen[ev.Status] = true
		case <-timeout:
			t.Fatalf("missing completed event, saw %v", seen)
		}
	}
	for _, want := range []job.Status{job.StatusCreated, job.StatusQueued, job.StatusRunning, job.StatusCompleted} {
		if !seen[want] {
			t.Fatalf("missing %s event, saw %v", want, seen)
		}
	}
}

func TestJobFailureNonZero(t *testing.T) {
	f := newFixture(t, 1, "echo boom; exit 3")

	j, err := f.sched.Create("alice", "demo", "p", job.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, err := f.sched.Get(j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != job.StatusFailed || got.Reason != job.ReasonNonZero {
				t.Fatalf("expected failed(nonzero), got %s(%s)", got.Status, got.Reason)
			}
			if got.ExitCode == nil || *got.ExitCode != 3 {
				t.Fatalf("expected exit code 3, got %+v", got.ExitCode)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 1, "true")

	if _, err := f.sched.Create("alice", "ghost", "p", job.Options{}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected registry not-found, got %v", err)
	}

	force := true
	if _, err := f.sched.Create("alice", "demo", "p", job.Options{BuildIndex: &force}); !errors.Is(err, registry.ErrIndexUnaware) {
		t.Fatalf("expected ErrIndexUnaware, got %v", err)
	}

	if _, err := f.sched.Create("alice", "demo", "", job.Options{}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestStartIdempotentAndInvalid(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	blocker, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(blocker.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sched, blocker.ID, job.StatusRunning)

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if err := f.sched.Start("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := f.sched.Cancel(j.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if err := f.sched.Start(j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition starting cancelled job, got %v", err)
	}

	if err := f.sched.Cancel(blocker.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	waitStatus(t, f.sched, blocker.ID, job.StatusCancelled)
}

func TestMaxConcurrentAndQueuePosition(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	first, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	second, _ := f.sched.Create("bob", "demo", "p", job.Options{})
	third, _ := f.sched.Create("carol", "demo", "p", job.Options{})

	for _, j := range []*job.Job{first, second, third} {
		if err := f.sched.Start(j.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	waitStatus(t, f.sched, first.ID, job.StatusRunning)

	got, _ := f.sched.Get(second.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("second job should be queued, got %s", got.Status)
	}
	pos, err := f.sched.QueuePosition(second.ID)
	if err != nil || pos != 0 {
		t.Fatalf("expected position 0, got %d err=%v", pos, err)
	}
	pos, err = f.sched.QueuePosition(third.ID)
	if err != nil || pos != 1 {
		t.Fatalf("expected position 1, got %d err=%v", pos, err)
	}
	if _, err := f.sched.QueuePosition(first.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for running job, got %v", err)
	}

	// Cancelling the running job frees the slot and promotes the head.
	if err := f.sched.Cancel(first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, f.sched, second.ID, job.StatusRunning)

	for _, id := range []string{second.ID, third.ID} {
		_ = f.sched.Cancel(id)
	}
}

func TestCancelRunningPreservesOutput(t *testing.T) {
	f := newFixture(t, 1, "echo started; sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sched, j.ID, job.StatusRunning)

	// Give the echo a moment to land in the log.
	deadline := time.Now().Add(5 * time.Second)
	for f.store.OutputSize(j.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.sched.Cancel(j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, f.sched, j.ID, job.StatusCancelled)

	data, err := os.ReadFile(f.store.OutputPath(j.ID))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "started") {
		t.Fatalf("output before cancel should be preserved, got %q", data)
	}
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{TimeoutSeconds: 1})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, _ := f.sched.Get(j.ID)
		if got.Status.Terminal() {
			if got.Status != job.StatusFailed || got.Reason != job.ReasonTimeout {
				t.Fatalf("expected failed(timeout), got %s(%s)", got.Status, got.Reason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never timed out")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 1, "true")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := waitStatus(t, f.sched, j.ID, job.StatusCompleted)

	if err := f.sched.Delete(j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.sched.Get(j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(done.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, stat err=%v", err)
	}
	if _, err := f.store.Load(j.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("state should be gone, got %v", err)
	}
}

func TestDeleteRejectsQueued(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	blocker, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(blocker.ID)
	waitStatus(t, f.sched, blocker.ID, job.StatusRunning)

	queued, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(queued.ID)

	if err := f.sched.Delete(queued.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition deleting queued job, got %v", err)
	}
	_ = f.sched.Cancel(blocker.ID)
	_ = f.sched.Cancel(queued.ID)
}

func TestDeleteRunningForcesCancel(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(j.ID)
	waitStatus(t, f.sched, j.ID, job.StatusRunning)

	if err := f.sched.Delete(j.ID); err != nil {
		t.Fatalf("delete running: %v", err)
	}
	if _, err := f.sched.Get(j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestHasActiveJobsGuardsUnregister(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(j.ID)
	waitStatus(t, f.sched, j.ID, job.StatusRunning)

	if err := f.reg.Unregister("demo"); !errors.Is(err, registry.ErrBusy) {
		t.Fatalf("expected ErrBusy while job runs, got %v", err)
	}

	_ = f.sched.Cancel(j.ID)
	waitStatus(t, f.sched, j.ID, job.StatusCancelled)

	if err := f.reg.Unregister("demo"); err != nil {
		t.Fatalf("unregister after job finished: %v", err)
	}
}

func TestShutdownDrainsAndDemotes(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	runningJob, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(runningJob.ID)
	waitStatus(t, f.sched, runningJob.ID, job.StatusRunning)

	queuedJob, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	_ = f.sched.Start(queuedJob.ID)

	createdJob, _ := f.sched.Create("alice", "demo", "p", job.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := f.sched.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got, _ := f.sched.Get(runningJob.ID)
	if got.Status != job.StatusFailed || got.Reason != job.ReasonShutdown {
		t.Fatalf("running job should fail with shutdown, got %s(%s)", got.Status, got.Reason)
	}
	got, _ = f.sched.Get(queuedJob.ID)
	if got.Status != job.StatusFailed || got.Reason != job.ReasonShutdown {
		t.Fatalf("queued job should fail with shutdown, got %s(%s)", got.Status, got.Reason)
	}
	got, _ = f.sched.Get(createdJob.ID)
	if got.Status != job.StatusCreated {
		t.Fatalf("created job should survive shutdown untouched, got %s", got.Status)
	}

	if _, err := f.sched.Create("alice", "demo", "p", job.Options{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestRecoveryRequeuesQueuedJobs(t *testing.T) {
	f := newFixture(t, 1, "true")

	// Persist a job that was queued when the host stopped.
	j := job.New("alice", "demo", "p", job.Options{})
	j.Status = job.StatusQueued
	if err := f.store.Save(j); err != nil {
		t.Fatalf("save: %v", err)
	}

	recovered, err := f.store.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}

	sched2 := New(Config{
		MaxConcurrent:  1,
		DefaultTimeout: 30 * time.Second,
		CancelGrace:    500 * time.Millisecond,
		DrainTimeout:   5 * time.Second,
	}, f.store, workspace.NewManager(f.store.Root()), executor.New("/bin/sh", []string{"-c", "true"}, nil), f.reg, broker.New(f.store), recovered)

	waitStatus(t, sched2, j.ID, job.StatusCompleted)
}

func TestListFiltersByOwner(t *testing.T) {
	f := newFixture(t, 1, "true")

	a, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	b, _ := f.sched.Create("bob", "demo", "p", job.Options{})

	all := f.sched.List("")
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	alice := f.sched.List("alice")
	if len(alice) != 1 || alice[0].ID != a.ID {
		t.Fatalf("owner filter broken: %+v", alice)
	}
	bob := f.sched.List("bob")
	if len(bob) != 1 || bob[0].ID != b.ID {
		t.Fatalf("owner filter broken: %+v", bob)
	}
}

func TestSubscribeBeforeStartReplaysFullOutput(t *testing.T) {
	f := newFixture(t, 1, "printf 'assistant says hi'")

	j, err := f.sched.Create("alice", "demo", "p", job.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Attach before the job ever runs; the subscription must carry every
	// byte the job produces, not terminate on an empty log.
	sub, err := f.broker.Subscribe(j.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var got []byte
	for {
		chunk, err := sub.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, chunk...)
	}
	if string(got) != "assistant says hi" {
		t.Fatalf("early subscriber output %q, want %q", got, "assistant says hi")
	}

	waitStatus(t, f.sched, j.ID, job.StatusCompleted)
}

func TestTerminalJobClearsPID(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sched, j.ID, job.StatusRunning)

	// The PID lands shortly after the process spawns.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := f.sched.Get(j.ID)
		if got.PID != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("running job never recorded a PID")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.sched.Cancel(j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	done := waitStatus(t, f.sched, j.ID, job.StatusCancelled)
	if done.PID != 0 {
		t.Fatalf("terminal job still reports PID %d", done.PID)
	}

	persisted, err := f.store.Load(j.ID)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if persisted.PID != 0 {
		t.Fatalf("persisted terminal job still reports PID %d", persisted.PID)
	}
}

func TestStartPersistsQueuedBeforeDispatch(t *testing.T) {
	f := newFixture(t, 1, "sleep 60")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})
	if err := f.sched.Start(j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sched, j.ID, job.StatusRunning)

	// The queued snapshot is written before the job is dispatch eligible,
	// so the persisted record must settle on running and stay there.
	deadline := time.Now().Add(5 * time.Second)
	for {
		persisted, err := f.store.Load(j.ID)
		if err != nil {
			t.Fatalf("load persisted: %v", err)
		}
		if persisted.Status == job.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted status stuck at %s, want running", persisted.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	persisted, err := f.store.Load(j.ID)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if persisted.Status != job.StatusRunning {
		t.Fatalf("persisted status regressed to %s", persisted.Status)
	}

	_ = f.sched.Cancel(j.ID)
	waitStatus(t, f.sched, j.ID, job.StatusCancelled)
}

func TestConcurrentUploadsAllRecorded(t *testing.T) {
	f := newFixture(t, 1, "true")

	j, _ := f.sched.Create("alice", "demo", "p", job.Options{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d.txt", i)
			_, errs[i] = f.sched.AttachUpload(j.ID, name, "text/plain", strings.NewReader("payload"), false)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
	}

	got, err := f.sched.Get(j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Uploads) != n {
		t.Fatalf("expected %d uploads, got %d: %+v", n, len(got.Uploads), got.Uploads)
	}
	seen := map[string]bool{}
	for _, up := range got.Uploads {
		seen[up.OriginalName] = true
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		if !seen[name] {
			t.Fatalf("upload %s missing from job record: %+v", name, got.Uploads)
		}
	}
}
