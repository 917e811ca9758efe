// Package scheduler is the job state machine. It owns the FIFO queue, the
// bounded running set and every status transition. The mutation lock guards
// only in-memory state; workspace creation, subprocess supervision and state
// persistence run in detached goroutines that post transitions back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/promptdhq/promptd/internal/broker"
	"github.com/promptdhq/promptd/internal/executor"
	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/metrics"
	"github.com/promptdhq/promptd/internal/registry"
	"github.com/promptdhq/promptd/internal/store"
	"github.com/promptdhq/promptd/internal/workspace"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidRequest    = errors.New("invalid job request")
	ErrInvalidTransition = errors.New("operation not valid for job status")
	ErrShuttingDown      = errors.New("scheduler is shutting down")
)

// Event is published on every job status change.
type Event struct {
	JobID  string            `json:"job_id"`
	Status job.Status        `json:"status"`
	Reason job.FailureReason `json:"reason,omitempty"`
	At     time.Time         `json:"at"`
}

const eventBuffer = 16

type cancelCause int

const (
	causeUser cancelCause = iota
	causeShutdown
)

// running tracks one dispatched job. The cancel channel is closed at most
// once; cause is set before the close.
type running struct {
	cancelOnce sync.Once
	cancel     chan struct{}
	cause      cancelCause
}

func (r *running) requestCancel(cause cancelCause) {
	r.cancelOnce.Do(func() {
		r.cause = cause
		close(r.cancel)
	})
}

type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	CancelGrace    time.Duration
	DrainTimeout   time.Duration
}

type Scheduler struct {
	cfg      Config
	store    *store.Store
	ws       *workspace.Manager
	exec     *executor.Executor
	registry *registry.Registry
	broker   *broker.Broker

	mu       sync.Mutex
	jobs     map[string]*job.Job
	queue    []string
	running  map[string]*running
	stopping bool

	// upMu serializes whole upload operations, not just the in-memory
	// merge, so concurrent uploads to one job cannot drop each other's
	// entries.
	upMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	wg sync.WaitGroup
}

// New builds a scheduler over previously recovered jobs. Recovered jobs in
// status queued are re-enqueued in creation order; the store has already
// demoted jobs that were running when the host stopped.
func New(cfg Config, st *store.Store, ws *workspace.Manager, exec *executor.Executor, reg *registry.Registry, br *broker.Broker, recovered []*job.Job) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		ws:       ws,
		exec:     exec,
		registry: reg,
		broker:   br,
		jobs:     make(map[string]*job.Job),
		running:  make(map[string]*running),
		subs:     make(map[int]chan Event),
	}

	var queued []*job.Job
	for _, j := range recovered {
		s.jobs[j.ID] = j
		if !j.Status.Terminal() {
			br.Open(j.ID, st.OutputSize(j.ID))
		}
		if j.Status == job.StatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	for _, j := range queued {
		s.queue = append(s.queue, j.ID)
	}
	s.dispatchLocked()

	return s
}

// Create materializes a job record in status created. The repo must be
// registered; an index override is validated against the repo's capability.
func (s *Scheduler) Create(owner, repoName, prompt string, opts job.Options) (*job.Job, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if _, err := s.registry.ResolveBuildIndex(repoName, opts.BuildIndex); err != nil {
		return nil, err
	}

	j := job.New(owner, repoName, prompt, opts)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.jobs[j.ID] = j
	snapshot := j.Clone()
	s.mu.Unlock()

	if err := s.store.Save(snapshot); err != nil {
		s.mu.Lock()
		delete(s.jobs, j.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("persist job: %w", err)
	}
	// The feed opens with the job, so a subscriber attached before the job
	// runs sees every byte from offset zero.
	s.broker.Open(j.ID, 0)
	s.publish(Event{JobID: j.ID, Status: job.StatusCreated, At: time.Now()})
	return snapshot, nil
}

// Start enqueues a created job. Calling Start on a job already queued or
// running is a no-op.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	switch j.Status {
	case job.StatusQueued, job.StatusRunning:
		s.mu.Unlock()
		return nil
	case job.StatusCreated:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s job", ErrInvalidTransition, j.Status)
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrShuttingDown
	}

	j.Status = job.StatusQueued
	snapshot := j.Clone()
	s.mu.Unlock()

	// The queued snapshot must be on disk before the job is dispatch
	// eligible; a running snapshot written by dispatch can never be
	// overwritten by a stale queued one.
	if err := s.store.Save(snapshot); err != nil {
		log.Printf("scheduler: persist queued job %s: %v", id, err)
	}
	s.publish(Event{JobID: id, Status: job.StatusQueued, At: time.Now()})

	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok && cur.Status == job.StatusQueued {
		s.queue = append(s.queue, id)
		s.dispatchLocked()
	}
	s.mu.Unlock()
	return nil
}

// Cancel stops a job. Non-running jobs transition immediately; running jobs
// get the terminate protocol and reach cancelled once the process exits.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	switch j.Status {
	case job.StatusCreated, job.StatusQueued:
		j.Status = job.StatusCancelled
		j.CompletedAt = time.Now()
		s.removeFromQueueLocked(id)
		snapshot := j.Clone()
		s.mu.Unlock()

		if err := s.store.Save(snapshot); err != nil {
			log.Printf("scheduler: persist cancelled job %s: %v", id, err)
		}
		s.broker.Close(id)
		metrics.JobCancelled(snapshot.RepoName)
		s.publish(Event{JobID: id, Status: job.StatusCancelled, At: time.Now()})
		return nil
	case job.StatusRunning:
		rj := s.running[id]
		s.mu.Unlock()
		if rj != nil {
			rj.requestCancel(causeUser)
		}
		return nil
	case job.StatusCancelled:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: job already %s", ErrInvalidTransition, j.Status)
	}
}

// Delete removes a terminal job's workspace and on-disk record. A running
// job is force-cancelled first; Delete waits for it to reach a terminal
// status.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.Status == job.StatusRunning {
		rj := s.running[id]
		s.mu.Unlock()
		if rj != nil {
			rj.requestCancel(causeUser)
		}
		if err := s.waitTerminal(id, 30*time.Second); err != nil {
			return err
		}
		s.mu.Lock()
		j = s.jobs[id]
		if j == nil {
			s.mu.Unlock()
			return ErrNotFound
		}
	}
	if !j.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
	}
	workspacePath := j.WorkspacePath
	delete(s.jobs, id)
	s.mu.Unlock()

	if workspacePath != "" {
		if err := s.ws.Destroy(workspacePath); err != nil {
			log.Printf("scheduler: destroy workspace for %s: %v", id, err)
		}
	}
	if err := s.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// AttachUpload stores a file for a job that has not started yet. Uploads
// after Start are rejected; the workspace snapshot is already fixed.
func (s *Scheduler) AttachUpload(id, name, contentType string, r io.Reader, overwrite bool) (*job.Upload, error) {
	s.upMu.Lock()
	defer s.upMu.Unlock()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if j.Status != job.StatusCreated {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: uploads only allowed before start", ErrInvalidTransition)
	}
	snapshot := j.Clone()
	s.mu.Unlock()

	up, err := s.store.SaveUpload(snapshot, name, contentType, r, overwrite)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok && cur.Status == job.StatusCreated {
		cur.Uploads = snapshot.Uploads
	}
	s.mu.Unlock()
	return up, nil
}

// waitTerminal polls for a job to leave running after a forced cancel.
func (s *Scheduler) waitTerminal(id string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		j, ok := s.jobs[id]
		terminal := ok && j.Status.Terminal()
		s.mu.Unlock()
		if !ok {
			return ErrNotFound
		}
		if terminal {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("job %s did not stop in time", id)
}

// Get returns a snapshot of the job record.
func (s *Scheduler) Get(id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns snapshots of all jobs, newest first. owner filters when
// non-empty.
func (s *Scheduler) List(owner string) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if owner != "" && j.Owner != owner {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// QueuePosition reports a queued job's zero-based position at this instant.
// The value is advisory and may be stale by the time the caller sees it.
func (s *Scheduler) QueuePosition(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	if j.Status != job.StatusQueued {
		return 0, fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
	}
	for i, qid := range s.queue {
		if qid == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
}

// HasActiveJobs reports whether any non-terminal job references repoName.
// Wired into the registry as its unregister guard.
func (s *Scheduler) HasActiveJobs(repoName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.RepoName == repoName && !j.Status.Terminal() {
			return true
		}
	}
	return false
}

// RunningCount and QueueDepth feed the metrics gauges.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// dispatchLocked promotes queue heads into the running set while capacity
// allows. Callers hold s.mu. Only the in-memory transition happens here; the
// detached run goroutine does all I/O and posts the outcome back.
func (s *Scheduler) dispatchLocked() {
	for len(s.queue) > 0 && len(s.running) < s.cfg.MaxConcurrent && !s.stopping {
		id := s.queue[0]
		s.queue = s.queue[1:]
		j, ok := s.jobs[id]
		if !ok || j.Status != job.StatusQueued {
			continue
		}
		j.Status = job.StatusRunning
		j.StartedAt = time.Now()
		rj := &running{cancel: make(chan struct{})}
		s.running[id] = rj

		snapshot := j.Clone()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.store.Save(snapshot); err != nil {
				log.Printf("scheduler: persist running job %s: %v", snapshot.ID, err)
			}
			s.publish(Event{JobID: snapshot.ID, Status: job.StatusRunning, At: time.Now()})
			s.run(snapshot, rj)
		}()
	}
}

// run owns one job from dispatch to terminal status. It never runs while
// holding s.mu.
func (s *Scheduler) run(j *job.Job, rj *running) {
	clonePath, err := s.registry.ClonePath(j.RepoName)
	if err != nil {
		s.finish(j.ID, job.StatusFailed, job.ReasonWorkspace, err.Error(), nil)
		return
	}

	wsStart := time.Now()
	ws, err := s.ws.Create(context.Background(), clonePath, j.ID)
	if err != nil {
		s.finish(j.ID, job.StatusFailed, job.ReasonWorkspace, err.Error(), nil)
		return
	}
	metrics.ObserveWorkspaceCreate(string(ws.Mode), time.Since(wsStart))

	s.mu.Lock()
	if cur, ok := s.jobs[j.ID]; ok {
		cur.WorkspacePath = ws.Path
		cur.WorkspaceMode = string(ws.Mode)
	}
	s.mu.Unlock()
	j.WorkspacePath = ws.Path
	j.WorkspaceMode = string(ws.Mode)

	spec, err := s.exec.BuildSpec(j, ws.Path)
	if err != nil {
		s.finish(j.ID, job.StatusFailed, job.ReasonDispatch, err.Error(), nil)
		return
	}

	out, err := s.store.OpenOutput(j.ID)
	if err != nil {
		s.finish(j.ID, job.StatusFailed, job.ReasonDispatch, err.Error(), nil)
		return
	}
	defer out.Close()

	initial := s.store.OutputSize(j.ID)
	s.broker.Open(j.ID, initial)
	defer s.broker.Close(j.ID)

	proc, err := s.exec.Start(spec, out, initial, func(offset int64) {
		s.broker.Publish(j.ID, offset)
	})
	if err != nil {
		s.finish(j.ID, job.StatusFailed, job.ReasonDispatch, err.Error(), nil)
		return
	}

	s.mu.Lock()
	if cur, ok := s.jobs[j.ID]; ok {
		cur.PID = proc.PID()
	}
	s.mu.Unlock()

	timeout := s.cfg.DefaultTimeout
	if j.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(j.Options.TimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
		s.finishExit(j.ID, proc.Result())

	case <-rj.cancel:
		// The process may have exited right as the cancel landed; a clean
		// exit still counts as the job's own outcome.
		select {
		case <-proc.Done():
			s.finishExit(j.ID, proc.Result())
			return
		default:
		}
		proc.Terminate(s.cfg.CancelGrace)
		res := proc.Result()
		code := res.ExitCode
		if rj.cause == causeShutdown {
			s.finish(j.ID, job.StatusFailed, job.ReasonShutdown, "server shutting down", &code)
			return
		}
		s.finish(j.ID, job.StatusCancelled, "", "", &code)

	case <-timer.C:
		proc.Terminate(s.cfg.CancelGrace)
		res := proc.Result()
		code := res.ExitCode
		s.finish(j.ID, job.StatusFailed, job.ReasonTimeout, fmt.Sprintf("timed out after %s", timeout), &code)
	}
}

func (s *Scheduler) finishExit(id string, res executor.Result) {
	if res.Err != nil {
		s.finish(id, job.StatusFailed, job.ReasonDispatch, res.Err.Error(), nil)
		return
	}
	code := res.ExitCode
	if code == 0 {
		s.finish(id, job.StatusCompleted, "", "", &code)
		return
	}
	s.finish(id, job.StatusFailed, job.ReasonNonZero, fmt.Sprintf("exit code %d", code), &code)
}

// finish posts a terminal transition back to the state machine, persists the
// result and frees the running slot.
func (s *Scheduler) finish(id string, status job.Status, reason job.FailureReason, errMsg string, exitCode *int) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || !job.CanTransition(j.Status, status) {
		delete(s.running, id)
		s.dispatchLocked()
		s.mu.Unlock()
		return
	}
	j.Status = status
	j.Reason = reason
	j.Error = errMsg
	j.ExitCode = exitCode
	j.PID = 0
	j.CompletedAt = time.Now()
	delete(s.running, id)
	snapshot := j.Clone()
	s.dispatchLocked()
	s.mu.Unlock()

	if err := s.store.Save(snapshot); err != nil {
		log.Printf("scheduler: persist finished job %s: %v", id, err)
	}
	s.broker.Close(id)

	switch status {
	case job.StatusCompleted:
		metrics.JobCompleted(snapshot.RepoName)
	case job.StatusFailed:
		metrics.JobFailed(snapshot.RepoName, string(reason))
	case job.StatusCancelled:
		metrics.JobCancelled(snapshot.RepoName)
	}
	if !snapshot.StartedAt.IsZero() {
		metrics.ObserveJobDuration(snapshot.RepoName, snapshot.CompletedAt.Sub(snapshot.StartedAt))
	}

	s.publish(Event{JobID: id, Status: status, Reason: reason, At: time.Now()})
}

// Subscribe attaches an event listener. Slow listeners drop events rather
// than block the state machine.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, eventBuffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Scheduler) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Shutdown stops intake, terminates running jobs with grace and waits up to
// the drain window. Jobs that miss the window are persisted as
// failed(shutdown) so no job survives in a non-terminal status.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	for id := range s.running {
		s.running[id].requestCancel(causeShutdown)
	}
	var queued []*job.Job
	for _, id := range s.queue {
		if j, ok := s.jobs[id]; ok && j.Status == job.StatusQueued {
			j.Status = job.StatusFailed
			j.Reason = job.ReasonShutdown
			j.Error = "server shutting down"
			j.CompletedAt = time.Now()
			queued = append(queued, j.Clone())
		}
	}
	s.queue = nil
	s.mu.Unlock()

	for _, snapshot := range queued {
		if err := s.store.Save(snapshot); err != nil {
			log.Printf("scheduler: persist %s during shutdown: %v", snapshot.ID, err)
		}
		s.broker.Close(snapshot.ID)
		s.publish(Event{JobID: snapshot.ID, Status: job.StatusFailed, Reason: job.ReasonShutdown, At: time.Now()})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(s.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
	case <-ctx.Done():
	}

	// Anything still non-terminal missed the drain window.
	s.mu.Lock()
	var missed []*job.Job
	for id, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.Status == job.StatusCreated {
			continue
		}
		j.Status = job.StatusFailed
		j.Reason = job.ReasonShutdown
		j.Error = "server shutting down"
		j.PID = 0
		j.CompletedAt = time.Now()
		delete(s.running, id)
		missed = append(missed, j.Clone())
	}
	s.mu.Unlock()

	for _, snapshot := range missed {
		if err := s.store.Save(snapshot); err != nil {
			log.Printf("scheduler: persist %s during shutdown: %v", snapshot.ID, err)
		}
		s.broker.Close(snapshot.ID)
	}
	return nil
}
