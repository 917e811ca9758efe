// Package executor launches the assistant CLI for a job and supervises it
// until exit. Processes run in their own process group so cancellation and
// timeouts reach every descendant.
package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/promptdhq/promptd/internal/job"
	"github.com/promptdhq/promptd/internal/session"
)

// LaunchSpec fully describes a subprocess launch. Argv is executed directly,
// never through a shell.
type LaunchSpec struct {
	Argv []string
	Dir  string
	Env  []string
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	// Err is set for failures other than a nonzero exit, e.g. a missing
	// binary or a wait error.
	Err error
}

type Executor struct {
	command string
	args    []string
	locator *session.Locator
}

func New(command string, args []string, locator *session.Locator) *Executor {
	return &Executor{
		command: command,
		args:    args,
		locator: locator,
	}
}

// ErrNoSession is returned when a job asks to continue a conversation that
// cannot be found for its workspace.
var ErrNoSession = errors.New("no assistant session found to continue")

// BuildSpec assembles the launch descriptor for a job whose workspace is
// already materialized. The prompt travels as a single argv element.
func (e *Executor) BuildSpec(j *job.Job, workspacePath string) (LaunchSpec, error) {
	argv := make([]string, 0, len(e.args)+5)
	argv = append(argv, e.command)
	argv = append(argv, e.args...)

	if j.Options.SessionID != "" {
		if e.locator != nil && !e.locator.Exists(workspacePath, j.Options.SessionID) {
			return LaunchSpec{}, fmt.Errorf("%w: session %s", ErrNoSession, j.Options.SessionID)
		}
		argv = append(argv, "--resume", j.Options.SessionID)
	} else if j.Options.ContinueSession && e.locator != nil {
		id, ok := e.locator.MostRecent(workspacePath)
		if !ok {
			return LaunchSpec{}, ErrNoSession
		}
		argv = append(argv, "--resume", id)
	}

	argv = append(argv, "-p", j.Prompt)

	return LaunchSpec{
		Argv: argv,
		Dir:  workspacePath,
		Env:  filteredEnv(),
	}, nil
}

// filteredEnv passes through only the variables the assistant needs to run.
// Everything else in the daemon environment, credentials included, stays
// out of job processes.
func filteredEnv() []string {
	allowed := []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM", "USER"}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, entry := range env {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		if strings.HasPrefix(key, "ASSISTANT_") {
			out = append(out, entry)
			continue
		}
		for _, allow := range allowed {
			if key == allow {
				out = append(out, entry)
				break
			}
		}
	}
	return out
}

// Process is a running job subprocess. Wait state is published through
// Done(); no caller ever blocks inside cmd.Wait while holding a lock.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu  sync.Mutex
	res Result
}

// Start launches the spec with its output (stdout and stderr merged, arrival
// order) streamed through a counting writer into out. notify is invoked
// after every write with the new total offset; it must not block.
func (e *Executor) Start(spec LaunchSpec, out io.Writer, startOffset int64, notify func(offset int64)) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	w := &countingWriter{dst: out, offset: startOffset, notify: notify}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.res = resultFromWait(err)
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int { return p.pid }

// Done is closed once the process has exited and its result is available.
func (p *Process) Done() <-chan struct{} { return p.done }

// Result is valid only after Done is closed.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

// Terminate asks the whole process group to stop: SIGTERM, a grace window,
// then SIGKILL. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) {
	_ = syscall.Kill(-p.pid, syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
	<-p.done
}

func resultFromWait(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Shell convention for death by signal.
				code = 128 + int(ws.Signal())
			}
		}
		return Result{ExitCode: code}
	}
	return Result{ExitCode: -1, Err: err}
}

// countingWriter appends to dst and reports the running offset after each
// write. exec.Cmd serializes writes when stdout and stderr share a writer,
// so no extra locking is needed for dst itself.
type countingWriter struct {
	dst    io.Writer
	notify func(offset int64)

	mu     sync.Mutex
	offset int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.mu.Lock()
		w.offset += int64(n)
		offset := w.offset
		w.mu.Unlock()
		if w.notify != nil {
			w.notify(offset)
		}
	}
	return n, err
}
