// Package session implements the run session controller: the state machine
// owning one agent run's lifecycle on the client. It subscribes to the run's
// live feed, translates transport events into message store mutations and
// status transitions, and guarantees the engine's two hardest invariants:
//
//   - at most one transport subscription per run id per controller lifetime,
//     enforced by the lastStartedRunID identity guard rather than by status
//     alone, because three independent triggers (pre-connect hint, explicit
//     send, resume-on-load) can observe the same run id at nearly the same
//     moment;
//   - every terminal observation converges the controller back to idle, so no
//     error path can leave the UI stuck "connecting".
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"goa.design/runlink/api"
	"goa.design/runlink/intent"
	"goa.design/runlink/stream"
	"goa.design/runlink/telemetry"
	"goa.design/runlink/thread"
)

type (
	// Status is the controller's lifecycle state. Terminal transport states
	// are not resting states: observing one immediately normalizes the
	// controller back to StatusIdle.
	Status string

	// ToolCall is the controller's projection of one in-flight or completed
	// tool invocation, folded from tool chunk events.
	ToolCall struct {
		// ID correlates the invocation's chunks.
		ID string
		// Name identifies the invoked tool.
		Name string
		// Input is the accumulated partial input for the invocation.
		Input string
		// Done marks the invocation as completed.
		Done bool
	}

	// Snapshot is a read-only view of the controller for UIs.
	Snapshot struct {
		// Status is the current lifecycle state.
		Status Status
		// RunID is the active run id, empty when idle.
		RunID string
		// ToolCalls lists observed tool invocations in first-seen order.
		ToolCalls []ToolCall
	}

	// Hooks receive controller notifications. All fields are optional; hooks
	// are invoked synchronously from the event-processing goroutine and must
	// not call back into the controller.
	Hooks struct {
		// OnStatus observes every status transition.
		OnStatus func(Status)
		// OnTerminal observes the terminal state that ended a run, after the
		// controller has reset to idle.
		OnTerminal func(stream.RunState)
		// OnError observes unexpected transport errors. Benign errors (run
		// finished, run not found) are absorbed and never reach it.
		OnError func(error)
		// OnToolMessage fires when an upsert introduces a tool-role message,
		// signaling new tool activity worth surfacing.
		OnToolMessage func()
		// OnEvidence fires on the first sign of life from the stream: a
		// message, content chunk, reasoning chunk, or tool chunk. The
		// optimistic projection latches on it.
		OnEvidence func()
	}

	// Options configures a Controller.
	Options struct {
		// Store receives message mutations. Required.
		Store *thread.Store
		// Subscriber opens the run feed. Required.
		Subscriber stream.Subscriber
		// Client issues the best-effort cancel on Stop. Optional; when nil,
		// Stop only tears down the subscription.
		Client api.Client
		// Hooks receive controller notifications.
		Hooks Hooks
		// Logger defaults to Noop.
		Logger telemetry.Logger
		// Metrics defaults to Noop.
		Metrics telemetry.Metrics
	}

	// Controller owns one run's client-side lifecycle. All mutations are
	// serialized under one mutex; transport events are applied strictly in
	// arrival order. A subscription generation counter keeps a superseded
	// feed's teardown from clobbering the state of the feed that replaced it.
	Controller struct {
		store      *thread.Store
		subscriber stream.Subscriber
		client     api.Client
		hooks      Hooks
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu               sync.Mutex
		status           Status
		runID            string
		lastStartedRunID string
		gen              uint64
		cancel           context.CancelFunc
		pendingPrompt    *intent.Prompt
		toolCalls        map[string]*ToolCall
		toolOrder        []string
	}
)

const (
	// StatusIdle means no run is active.
	StatusIdle Status = "idle"
	// StatusConnecting means a subscription is open but the run has produced
	// nothing yet.
	StatusConnecting Status = "connecting"
	// StatusStreaming means the run is actively producing output.
	StatusStreaming Status = "streaming"
)

// New constructs a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errRequired("store")
	}
	if opts.Subscriber == nil {
		return nil, errRequired("subscriber")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Controller{
		store:      opts.Store,
		subscriber: opts.Subscriber,
		client:     opts.Client,
		hooks:      opts.Hooks,
		logger:     logger,
		metrics:    metrics,
		status:     StatusIdle,
		toolCalls:  make(map[string]*ToolCall),
	}, nil
}

// SetPendingPrompt holds a locally-composed prompt to materialize as an
// optimistic user message when the transport opens. Materializing on transport
// open, not at submit time, keeps the store free of optimistic entries for
// runs that never start.
func (c *Controller) SetPendingPrompt(p intent.Prompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := p
	c.pendingPrompt = &copied
}

// Start subscribes to the run's feed and moves the controller to connecting.
//
// Start is the anti-duplication chokepoint: if this controller already
// subscribed to runID and has not returned to idle, the call is a no-op. The
// guard is identity-based because status alone cannot distinguish "already
// attached to this run" from "attached to some other run".
func (c *Controller) Start(ctx context.Context, runID string) error {
	if runID == "" {
		return errRequired("run id")
	}
	c.mu.Lock()
	if c.lastStartedRunID == runID && c.status != StatusIdle {
		c.mu.Unlock()
		c.metrics.IncCounter(telemetry.MetricDuplicateStartsSuppressed, 1, "run_id", runID)
		c.logger.Debug(ctx, "duplicate start suppressed", "run_id", runID)
		return nil
	}
	if c.cancel != nil {
		// Another feed is active; tear it down. Its consumer is fenced off by
		// the generation bump below.
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	c.lastStartedRunID = runID
	c.runID = runID
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	runCtx, cancelCtx := context.WithCancel(ctx)
	events, errs, cancelSub, err := c.subscriber.Subscribe(runCtx, runID)
	if err != nil {
		cancelCtx()
		c.resetIfCurrent(gen)
		if api.IsBenign(err) {
			c.logger.Debug(ctx, "subscribe skipped, run gone", "run_id", runID, "err", err.Error())
			return nil
		}
		return err
	}
	c.mu.Lock()
	if c.gen != gen {
		// Superseded while subscribing; drop the new feed.
		c.mu.Unlock()
		cancelSub()
		cancelCtx()
		return nil
	}
	c.cancel = func() {
		cancelSub()
		cancelCtx()
	}
	c.mu.Unlock()
	c.metrics.IncCounter(telemetry.MetricSubscriptionsOpened, 1, "run_id", runID)
	c.logger.Debug(ctx, "subscribed to run", "run_id", runID)
	go c.consume(ctx, gen, events, errs)
	return nil
}

// Stop tears down the active subscription and issues a best-effort cancel to
// the backend. Stopping always succeeds from the caller's point of view:
// transport and cancellation errors are logged, never surfaced.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	runID := c.runID
	c.resetLocked()
	c.mu.Unlock()
	if runID == "" || c.client == nil {
		return
	}
	if err := c.client.CancelRun(ctx, runID); err != nil {
		c.logger.Warn(ctx, "run cancel failed", "run_id", runID, "err", err.Error())
	}
}

// Reset tears down the subscription and returns to idle without contacting
// the backend. Used on thread switch and engine shutdown.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Snapshot returns a read-only view of the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make([]ToolCall, 0, len(c.toolOrder))
	for _, id := range c.toolOrder {
		calls = append(calls, *c.toolCalls[id])
	}
	return Snapshot{Status: c.status, RunID: c.runID, ToolCalls: calls}
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastStartedRunID returns the identity guard's current value.
func (c *Controller) LastStartedRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStartedRunID
}

// consume applies feed events strictly in arrival order until the feed ends,
// a terminal status is observed, or an error arrives.
func (c *Controller) consume(ctx context.Context, gen uint64, events <-chan stream.Event, errs <-chan error) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				c.handleFeedClosed(ctx, gen)
				return
			}
			if done := c.apply(ctx, gen, evt); done {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.handleTransportError(ctx, gen, err)
			return
		}
	}
}

// apply processes one feed event. Returns true when the event ended the run.
func (c *Controller) apply(ctx context.Context, gen uint64, evt stream.Event) bool {
	switch e := evt.(type) {
	case stream.StatusEvent:
		return c.applyStatus(ctx, gen, e)
	case stream.MessageEvent:
		if !c.isCurrent(gen) {
			return true
		}
		outcome := c.store.Upsert(e.Message)
		if e.Message.Role == thread.RoleTool && outcome != thread.OutcomeReplaced {
			c.notifyToolMessage()
		}
		c.notifyEvidence()
	case stream.ContentEvent:
		if !c.isCurrent(gen) {
			return true
		}
		c.applyContent(e)
		c.notifyEvidence()
	case stream.ReasoningEvent:
		if !c.isCurrent(gen) {
			return true
		}
		c.notifyEvidence()
	case stream.ToolChunkEvent:
		if !c.isCurrent(gen) {
			return true
		}
		c.applyToolChunk(e)
		c.notifyEvidence()
	case stream.ErrorEvent:
		c.handleStreamError(ctx, gen, e)
		return true
	case stream.CloseEvent:
		c.handleFeedClosed(ctx, gen)
		return true
	}
	return false
}

// applyStatus handles run state announcements. Terminal states reset the
// controller; connecting materializes any pending optimistic prompt.
func (c *Controller) applyStatus(ctx context.Context, gen uint64, e stream.StatusEvent) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return true
	}
	switch {
	case e.State.Terminal():
		runID := c.runID
		c.resetLocked()
		c.mu.Unlock()
		c.logger.Debug(ctx, "run reached terminal state", "run_id", runID, "state", string(e.State))
		if c.hooks.OnTerminal != nil {
			c.hooks.OnTerminal(e.State)
		}
		return true
	case e.State == stream.StateStreaming:
		c.setStatusLocked(StatusStreaming)
	case e.State == stream.StateConnecting:
		c.setStatusLocked(StatusConnecting)
		if c.pendingPrompt != nil {
			p := c.pendingPrompt
			c.pendingPrompt = nil
			c.mu.Unlock()
			c.materializePrompt(p)
			return false
		}
	}
	c.mu.Unlock()
	return false
}

// materializePrompt inserts the held prompt as an optimistic user message.
// Store.Upsert adopts the matching server echo later, so the entry is never
// duplicated.
func (c *Controller) materializePrompt(p *intent.Prompt) {
	now := time.Now().UTC()
	c.store.Upsert(thread.Message{
		ID:        thread.NewLocalID(),
		ThreadID:  p.ThreadID,
		Role:      thread.RoleUser,
		Content:   p.Text,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// applyContent folds an assistant text chunk into the in-progress assistant
// message. Chunks for one message share a message id, so the accumulated text
// lands in a single store entry that the final message event later replaces.
// The fallback key derives from the event's run id, keeping chunks of
// different runs apart even when the transport omits message ids.
func (c *Controller) applyContent(e stream.ContentEvent) {
	id := e.MessageID
	if id == "" {
		id = "stream-" + e.RunID()
	}
	existing := ""
	for _, m := range c.store.Messages() {
		if m.ID == id {
			existing = m.Content
			break
		}
	}
	c.store.Upsert(thread.Message{
		ID:        id,
		ThreadID:  e.ThreadID(),
		Role:      thread.RoleAssistant,
		Content:   existing + e.Text,
		UpdatedAt: time.Now().UTC(),
	})
}

// applyToolChunk folds a tool chunk into the tool-call projection.
func (c *Controller) applyToolChunk(e stream.ToolChunkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.toolCalls[e.ToolCallID]
	if !ok {
		call = &ToolCall{ID: e.ToolCallID}
		c.toolCalls[e.ToolCallID] = call
		c.toolOrder = append(c.toolOrder, e.ToolCallID)
	}
	if e.ToolName != "" {
		call.Name = e.ToolName
	}
	call.Input += e.Delta
	if e.Done {
		call.Done = true
	}
}

// handleStreamError classifies a stream-level error event. Benign errors are
// absorbed; anything else is surfaced. Both force the controller to idle.
func (c *Controller) handleStreamError(ctx context.Context, gen uint64, e stream.ErrorEvent) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	runID := c.runID
	c.resetLocked()
	c.mu.Unlock()
	if benignStreamError(e.Message) {
		c.logger.Debug(ctx, "benign stream error absorbed", "run_id", runID, "err", e.Message)
		return
	}
	c.logger.Error(ctx, "stream error", "run_id", runID, "err", e.Message)
	if c.hooks.OnError != nil {
		c.hooks.OnError(&StreamError{RunID: runID, Message: e.Message})
	}
}

// handleTransportError surfaces a transport failure and forces idle.
func (c *Controller) handleTransportError(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	runID := c.runID
	c.resetLocked()
	c.mu.Unlock()
	if api.IsBenign(err) {
		c.logger.Debug(ctx, "benign transport error absorbed", "run_id", runID, "err", err.Error())
		return
	}
	c.logger.Error(ctx, "transport error", "run_id", runID, "err", err.Error())
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

// handleFeedClosed handles the feed ending without a terminal status, which
// happens when the connection drops or the subscription is canceled.
func (c *Controller) handleFeedClosed(ctx context.Context, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.status == StatusIdle {
		return
	}
	c.logger.Debug(ctx, "run feed closed", "run_id", c.runID)
	c.resetLocked()
}

// isCurrent reports whether gen is the active subscription generation.
func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// resetIfCurrent resets to idle only when gen is still the active generation.
func (c *Controller) resetIfCurrent(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.resetLocked()
	}
}

// resetLocked returns the controller to idle: subscription torn down, run
// identity cleared so the same run may be resumed by a fresh Start. The
// generation bump fences out an in-flight Start whose Subscribe call has not
// returned yet: its feed is rejected at install time instead of reviving the
// reset controller. Callers must hold the mutex.
func (c *Controller) resetLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.runID = ""
	c.lastStartedRunID = ""
	c.pendingPrompt = nil
	c.setStatusLocked(StatusIdle)
}

// setStatusLocked updates the status and notifies the hook on change. Callers
// must hold the mutex.
func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(s)
	}
}

func (c *Controller) notifyEvidence() {
	if c.hooks.OnEvidence != nil {
		c.hooks.OnEvidence()
	}
}

func (c *Controller) notifyToolMessage() {
	if c.hooks.OnToolMessage != nil {
		c.hooks.OnToolMessage()
	}
}

// benignStreamError reports whether a stream error message describes an
// expected condition: the run finished or never existed by the time the
// client attached.
func benignStreamError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not running") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "already finished")
}

// StreamError is an unexpected run-level error reported over the feed.
type StreamError struct {
	// RunID identifies the run that failed.
	RunID string
	// Message is the transport's error text.
	Message string
}

// Error implements error.
func (e *StreamError) Error() string { return "run stream: " + e.Message }

func errRequired(what string) error {
	return &ConfigError{Field: what}
}

// ConfigError reports a missing required construction parameter.
type ConfigError struct {
	// Field names the missing parameter.
	Field string
}

// Error implements error.
func (e *ConfigError) Error() string { return e.Field + " is required" }
