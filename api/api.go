// Package api defines the narrow contract between the reconciliation engine
// and the backend control plane: create a run, cancel a run, load a thread's
// confirmed messages. The engine never sees the wire protocol behind these
// calls; it only depends on the typed error taxonomy to classify failures.
package api

import (
	"context"
	"errors"

	"goa.design/runlink/thread"
)

type (
	// Client is the backend control plane surface the engine consumes.
	Client interface {
		// StartRun submits a prompt and returns the server-assigned run id.
		// When ThreadID is empty the backend creates the thread and returns
		// its id alongside the run id.
		StartRun(ctx context.Context, input StartRunInput) (StartRunOutput, error)
		// CancelRun requests cancellation of an active run. Best-effort: the
		// run may already have finished.
		CancelRun(ctx context.Context, runID string) error
		// LoadThread returns the thread's confirmed messages and persisted run
		// state. Returns ErrThreadNotFound when the thread does not exist.
		LoadThread(ctx context.Context, threadID string) (ThreadState, error)
	}

	// ThreadState is the backend's persisted view of a thread: its confirmed
	// messages in display order plus the run state recorded server-side,
	// which survives client reloads and drives resume-on-load.
	ThreadState struct {
		// ThreadID identifies the thread.
		ThreadID string
		// Messages are the confirmed messages in display order.
		Messages []thread.Message
		// RunStatus is the persisted run lifecycle state, empty when no run
		// was ever recorded.
		RunStatus string
		// ActiveRunID is the run to resume when RunStatus reports an active
		// run. Empty otherwise.
		ActiveRunID string
	}

	// StartRunInput carries one run submission.
	StartRunInput struct {
		// ThreadID is the target thread. Empty to create a new thread.
		ThreadID string
		// ProjectID scopes the thread.
		ProjectID string
		// Prompt is the user's message text.
		Prompt string
		// FileIDs lists attachments to include.
		FileIDs []string
		// ModelName optionally selects the model.
		ModelName string
		// AgentID optionally selects the agent.
		AgentID string
		// Mode optionally selects the execution mode.
		Mode string
	}

	// StartRunOutput is the backend's confirmation of a run submission.
	StartRunOutput struct {
		// RunID is the server-assigned run identifier.
		RunID string
		// ThreadID is the owning thread id, populated when the backend created
		// the thread as part of this submission.
		ThreadID string
	}

	// BillingError reports that the account cannot start a run until its plan
	// or credit situation changes. Surfaced through a dedicated upgrade
	// prompt, never retried.
	BillingError struct {
		// Message is the human-readable explanation.
		Message string
	}

	// RunLimitError reports that the account has too many concurrent runs.
	// Carries enough structure for the UI to point at the offenders.
	RunLimitError struct {
		// RunningCount is the number of currently active runs.
		RunningCount int
		// RunningThreadIDs identifies the threads holding active runs.
		RunningThreadIDs []string
	}

	// ProjectLimitError reports that the project quota is exhausted.
	ProjectLimitError struct {
		// Message is the human-readable explanation.
		Message string
		// Limit is the configured project cap.
		Limit int
	}
)

var (
	// ErrThreadNotFound indicates the thread does not exist (or is not yet
	// visible). The engine treats it as the trigger for pending-intent replay.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrRunNotFound indicates the run does not exist. Benign on the stream
	// path: the run finished before the client attached.
	ErrRunNotFound = errors.New("run not found")
	// ErrAgentNotRunning indicates the run is no longer executing. Benign.
	ErrAgentNotRunning = errors.New("agent not running")
)

// Error implements error.
func (e *BillingError) Error() string { return "billing: " + e.Message }

// Error implements error.
func (e *RunLimitError) Error() string {
	return "run limit reached"
}

// Error implements error.
func (e *ProjectLimitError) Error() string { return "project limit: " + e.Message }

// Running reports whether the persisted state describes a run the client
// should reattach to.
func (s ThreadState) Running() bool {
	switch s.RunStatus {
	case "running", "connecting", "streaming":
		return s.ActiveRunID != ""
	}
	return false
}

// IsNotFound reports whether err is the not-found-shaped failure that makes a
// pending-intent replay eligible.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound)
}

// IsBenign reports whether err is an expected stream-side failure that should
// be absorbed silently: the run already finished or never existed. Benign
// errors still force the session back to idle.
func IsBenign(err error) bool {
	return errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrAgentNotRunning)
}
