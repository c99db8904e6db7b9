// Package inmem provides an in-memory intent.Ledger for tests and local
// development. Records do not survive a process restart, so production
// deployments use the Redis-backed ledger in features/intent/redis.
package inmem

import (
	"context"
	"sync"

	"goa.design/runlink/intent"
)

// Ledger implements intent.Ledger in memory. All operations are thread-safe.
type Ledger struct {
	mu      sync.RWMutex
	intents map[string]intent.Intent // keyed by threadID+"\x00"+projectID
	prompts map[string]intent.Prompt // keyed by threadID
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		intents: make(map[string]intent.Intent),
		prompts: make(map[string]intent.Prompt),
	}
}

// PutIntent stores the intent, replacing any previous record for the pair.
func (l *Ledger) PutIntent(_ context.Context, it intent.Intent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intents[intentKey(it.ThreadID, it.ProjectID)] = it
	return nil
}

// LoadIntent returns the stored intent for the pair, if any.
func (l *Ledger) LoadIntent(_ context.Context, threadID, projectID string) (intent.Intent, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	it, ok := l.intents[intentKey(threadID, projectID)]
	return it, ok, nil
}

// ClearIntent removes the intent for the pair. Clearing a missing intent is
// not an error.
func (l *Ledger) ClearIntent(_ context.Context, threadID, projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.intents, intentKey(threadID, projectID))
	return nil
}

// PutPrompt stores the optimistic prompt for its thread.
func (l *Ledger) PutPrompt(_ context.Context, p intent.Prompt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts[p.ThreadID] = p
	return nil
}

// LoadPrompt returns the stored prompt for the thread, if any.
func (l *Ledger) LoadPrompt(_ context.Context, threadID string) (intent.Prompt, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.prompts[threadID]
	return p, ok, nil
}

// ClearPrompt removes the prompt for the thread.
func (l *Ledger) ClearPrompt(_ context.Context, threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.prompts, threadID)
	return nil
}

func intentKey(threadID, projectID string) string {
	return threadID + "\x00" + projectID
}
