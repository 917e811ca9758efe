// Package job defines the job record persisted on disk and the status
// machine every transition must pass through.
package job

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// FailureReason distinguishes the ways a job can end up failed.
type FailureReason string

const (
	ReasonWorkspace    FailureReason = "workspace"
	ReasonDispatch     FailureReason = "dispatch"
	ReasonTimeout      FailureReason = "timeout"
	ReasonNonZero      FailureReason = "nonzero"
	ReasonShutdown     FailureReason = "shutdown"
	ReasonHostRestart  FailureReason = "host_restart"
	ReasonIncompatible FailureReason = "incompatible_state"
)

// SchemaVersion is bumped whenever the persisted layout changes shape.
const SchemaVersion = 1

type Options struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// ContinueSession asks the executor to resume the most recent assistant
	// session recorded for the workspace, when one exists.
	ContinueSession bool   `json:"continue_session,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	// BuildIndex overrides the repo's index default. Only honored when the
	// repo itself is index-aware.
	BuildIndex *bool `json:"build_index,omitempty"`
}

type Upload struct {
	OriginalName string `json:"original_name"`
	StoredPath   string `json:"stored_path"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type,omitempty"`
}

type Job struct {
	SchemaVersion int     `json:"schema_version"`
	ID            string  `json:"id"`
	Owner         string  `json:"owner"`
	RepoName      string  `json:"repo_name"`
	Prompt        string  `json:"prompt"`
	Options       Options `json:"options"`
	Status        Status  `json:"status"`

	WorkspacePath string        `json:"workspace_path,omitempty"`
	WorkspaceMode string        `json:"workspace_mode,omitempty"`
	PID           int           `json:"pid,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Reason        FailureReason `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Uploads []Upload `json:"uploads,omitempty"`
}

// New builds a fresh record in status created. IDs are opaque to callers.
func New(owner, repoName, prompt string, opts Options) *Job {
	return &Job{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Owner:         owner,
		RepoName:      repoName,
		Prompt:        prompt,
		Options:       opts,
		Status:        StatusCreated,
		CreatedAt:     time.Now(),
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusRunning, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the status machine permits from → to.
// Terminal statuses permit nothing; readers must never observe a
// regression.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (j *Job) Clone() *Job {
	cp := *j
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	if j.Options.BuildIndex != nil {
		v := *j.Options.BuildIndex
		cp.Options.BuildIndex = &v
	}
	if j.Uploads != nil {
		cp.Uploads = append([]Upload(nil), j.Uploads...)
	}
	return &cp
}
