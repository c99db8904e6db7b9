// Package inmem provides an in-memory api.Client for tests and the demo
// binary. It persists threads and runs in maps and exposes hooks so tests can
// inject the typed failures the engine must classify.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/runlink/api"
	"goa.design/runlink/thread"
)

// Client implements api.Client in memory. The zero value is not usable; call
// New.
type Client struct {
	mu      sync.Mutex
	threads map[string][]thread.Message
	runs    map[string]string // runID -> threadID
	active  map[string]string // threadID -> active runID
	nextSeq int

	// StartRunErr, when set, is returned by StartRun instead of creating a run.
	StartRunErr error
	// OnStartRun, when set, observes each successful StartRun.
	OnStartRun func(input api.StartRunInput, out api.StartRunOutput)
	// CancelErr, when set, is returned by CancelRun.
	CancelErr error
	// Canceled records the run ids passed to CancelRun.
	Canceled []string
}

// New returns an empty in-memory control plane.
func New() *Client {
	return &Client{
		threads: make(map[string][]thread.Message),
		runs:    make(map[string]string),
		active:  make(map[string]string),
	}
}

// StartRun creates the thread when needed, appends the confirmed user message,
// and returns a fresh run id.
func (c *Client) StartRun(_ context.Context, input api.StartRunInput) (api.StartRunOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartRunErr != nil {
		return api.StartRunOutput{}, c.StartRunErr
	}
	threadID := input.ThreadID
	if threadID == "" {
		threadID = "thread-" + uuid.NewString()
	}
	c.nextSeq++
	now := time.Now().UTC()
	c.threads[threadID] = append(c.threads[threadID], thread.Message{
		ID:        fmt.Sprintf("msg-%d", c.nextSeq),
		ThreadID:  threadID,
		Role:      thread.RoleUser,
		Content:   input.Prompt,
		CreatedAt: now,
		UpdatedAt: now,
	})
	out := api.StartRunOutput{RunID: "run-" + uuid.NewString(), ThreadID: threadID}
	c.runs[out.RunID] = threadID
	c.active[threadID] = out.RunID
	if c.OnStartRun != nil {
		c.OnStartRun(input, out)
	}
	return out, nil
}

// CancelRun records the cancellation request and clears the thread's active
// run.
func (c *Client) CancelRun(_ context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Canceled = append(c.Canceled, runID)
	if c.CancelErr != nil {
		return c.CancelErr
	}
	if threadID, ok := c.runs[runID]; ok && c.active[threadID] == runID {
		delete(c.active, threadID)
	}
	return nil
}

// LoadThread returns the thread's persisted state or api.ErrThreadNotFound.
func (c *Client) LoadThread(_ context.Context, threadID string) (api.ThreadState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.threads[threadID]
	if !ok {
		return api.ThreadState{}, api.ErrThreadNotFound
	}
	state := api.ThreadState{
		ThreadID: threadID,
		Messages: make([]thread.Message, len(msgs)),
	}
	copy(state.Messages, msgs)
	if runID, ok := c.active[threadID]; ok {
		state.RunStatus = "running"
		state.ActiveRunID = runID
	}
	return state, nil
}

// SeedThread installs a thread with the given messages, for tests that start
// from an existing conversation.
func (c *Client) SeedThread(threadID string, msgs []thread.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = append([]thread.Message(nil), msgs...)
}

// SeedRunningThread installs a thread whose persisted state reports an active
// run, for resume-on-load tests.
func (c *Client) SeedRunningThread(threadID, runID string, msgs []thread.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = append([]thread.Message(nil), msgs...)
	c.runs[runID] = threadID
	c.active[threadID] = runID
}

// FinishRun clears the thread's active run, as the backend would when a run
// reaches a terminal state.
func (c *Client) FinishRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if threadID, ok := c.runs[runID]; ok && c.active[threadID] == runID {
		delete(c.active, threadID)
	}
}
