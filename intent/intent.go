// Package intent defines the pending-intent ledger: the durable record of "a
// run was requested but not yet confirmed". The ledger survives a full page
// reload, which lets the engine recover from the narrow failure where a
// submission reached neither the server nor the client's confirmed state.
//
// The staleness rules live here as pure functions so every ledger backend
// (in-memory, Redis) shares them.
package intent

import (
	"context"
	"time"
)

type (
	// Intent records one unconfirmed run request.
	Intent struct {
		// ThreadID is the thread the run was requested for.
		ThreadID string `json:"thread_id"`
		// ProjectID scopes the thread.
		ProjectID string `json:"project_id"`
		// Prompt is the submitted prompt text.
		Prompt string `json:"prompt"`
		// FileIDs lists attachments included in the submission.
		FileIDs []string `json:"file_ids,omitempty"`
		// CreatedAt is the submission time; staleness is measured from it.
		CreatedAt time.Time `json:"created_at"`
	}

	// Prompt is the short-lived optimistic prompt record keyed by thread. It
	// backs the optimistic projection across a reload: the UI can re-show the
	// just-submitted prompt before any server data has loaded.
	Prompt struct {
		// ThreadID is the owning thread.
		ThreadID string `json:"thread_id"`
		// Text is the submitted prompt text.
		Text string `json:"text"`
		// FileIDs lists attachment previews captured at submit time.
		FileIDs []string `json:"file_ids,omitempty"`
		// CreatedAt is the submission time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Ledger persists intents and optimistic prompts across reloads. Both
	// record kinds are keyed by thread and never span threads.
	Ledger interface {
		// PutIntent stores the intent, replacing any previous one for the same
		// thread/project pair.
		PutIntent(ctx context.Context, it Intent) error
		// LoadIntent returns the intent for the thread/project pair, reporting
		// whether one exists.
		LoadIntent(ctx context.Context, threadID, projectID string) (Intent, bool, error)
		// ClearIntent removes the intent for the thread/project pair.
		ClearIntent(ctx context.Context, threadID, projectID string) error

		// PutPrompt stores the optimistic prompt for its thread.
		PutPrompt(ctx context.Context, p Prompt) error
		// LoadPrompt returns the prompt for the thread, reporting whether one exists.
		LoadPrompt(ctx context.Context, threadID string) (Prompt, bool, error)
		// ClearPrompt removes the prompt for the thread.
		ClearPrompt(ctx context.Context, threadID string) error
	}

	// Disposition is the verdict on a loaded intent.
	Disposition int
)

const (
	// DispositionReplay means the intent matches the current thread and is
	// fresh enough to replay exactly once.
	DispositionReplay Disposition = iota
	// DispositionDiscard means the intent is stale and must be removed without
	// a retry call.
	DispositionDiscard
	// DispositionKeep means the intent belongs to another thread and is still
	// fresh; leave it for that thread's next load.
	DispositionKeep
)

const (
	// ReplayWindow bounds how long an intent for the current thread stays
	// replayable. Prolonged failure to create a thread is treated as
	// unrecoverable rather than retried indefinitely.
	ReplayWindow = 2 * time.Minute

	// ForeignWindow bounds how long an intent for a different thread is kept.
	// Past it the user has navigated away and the intent is garbage.
	ForeignWindow = 5 * time.Minute
)

// Evaluate applies the staleness rules to an intent loaded for the current
// thread context and returns its disposition.
func Evaluate(it Intent, currentThreadID string, now time.Time) Disposition {
	age := now.Sub(it.CreatedAt)
	if it.ThreadID != currentThreadID {
		if age > ForeignWindow {
			return DispositionDiscard
		}
		return DispositionKeep
	}
	if age > ReplayWindow {
		return DispositionDiscard
	}
	return DispositionReplay
}
