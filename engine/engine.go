// Package engine is the composition root of the run stream reconciliation
// client. It wires the message store, session controller, start arbiter,
// optimistic projection, pending-intent ledger, and queue strategy into one
// facade with the operations a UI needs: attach to a thread, submit a prompt,
// stop a run, and read the projected transcript.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/runlink/api"
	"goa.design/runlink/arbiter"
	"goa.design/runlink/hint"
	"goa.design/runlink/intent"
	intentmem "goa.design/runlink/intent/inmem"
	"goa.design/runlink/projection"
	"goa.design/runlink/queue"
	"goa.design/runlink/session"
	"goa.design/runlink/stream"
	"goa.design/runlink/telemetry"
	"goa.design/runlink/thread"
)

type (
	// Hooks receive engine notifications. All fields are optional. Hooks are
	// invoked synchronously from the engine's event-processing path and must
	// not call back into the engine.
	Hooks struct {
		// OnBilling surfaces a billing failure (upgrade prompt).
		OnBilling func(*api.BillingError)
		// OnRunLimit surfaces a concurrent-run limit with structured detail.
		OnRunLimit func(*api.RunLimitError)
		// OnProjectLimit surfaces an exhausted project quota.
		OnProjectLimit func(*api.ProjectLimitError)
		// OnNotify surfaces a generic user-facing notification: unexpected
		// stream errors and the optimism hard timeout.
		OnNotify func(string)
		// OnRedirect asks the UI to navigate to a safe default view after a
		// failed intent replay.
		OnRedirect func()
		// OnStatus observes raw controller status transitions, without the
		// optimism substitution. Read Status or Snapshot for the projected
		// view: substituting here would leave the last notification stale at
		// "connecting" when a terminal reset ends optimism with no further
		// transition to report.
		OnStatus func(session.Status)
		// OnTerminal observes the terminal state that ended a run.
		OnTerminal func(stream.RunState)
	}

	// Options configures an Engine.
	Options struct {
		// Client is the backend control plane. Required.
		Client api.Client
		// Subscriber opens run feeds. Required.
		Subscriber stream.Subscriber
		// Ledger persists intents and optimistic prompts. Defaults to the
		// in-memory ledger, which does not survive a reload.
		Ledger intent.Ledger
		// Registry discovers pre-connect run hints. Optional; without it the
		// hint trigger is simply absent.
		Registry hint.Registry
		// Queue decides what happens to a submit while a run is active.
		// Defaults to queue.Disabled.
		Queue queue.Strategy
		// Hooks receive engine notifications.
		Hooks Hooks
		// HardTimeout overrides the optimism hard deadline. Defaults to 30s.
		HardTimeout time.Duration
		// SoftTimeout overrides the optimism soft deadline. Defaults to 5s.
		SoftTimeout time.Duration
		// HintAttempts bounds the pre-connect hint poll. Defaults to 10.
		HintAttempts int
		// HintInterval spaces hint poll attempts. Defaults to 500ms.
		HintInterval time.Duration
		// Logger defaults to Noop.
		Logger telemetry.Logger
		// Metrics defaults to Noop.
		Metrics telemetry.Metrics
	}

	// SubmitInput carries one prompt submission.
	SubmitInput struct {
		// Prompt is the user's message text. Required.
		Prompt string
		// FileIDs lists attachments.
		FileIDs []string
		// ModelName optionally selects the model.
		ModelName string
		// AgentID optionally selects the agent.
		AgentID string
		// Mode optionally selects the execution mode.
		Mode string
	}

	// SubmitOutput reports the accepted submission.
	SubmitOutput struct {
		// RunID is the server-assigned run id. Empty when the submission was
		// queued instead of started.
		RunID string
		// ThreadID is the owning thread, updated when the backend created a
		// new thread.
		ThreadID string
		// Queued reports that the message was queued behind an active run.
		Queued bool
		// QueuedID identifies the queued message when Queued is true.
		QueuedID string
	}

	// Snapshot is a read-only view of everything a UI renders.
	Snapshot struct {
		// Status is the projected lifecycle status.
		Status session.Status
		// RunID is the active run, empty when idle.
		RunID string
		// Messages is the projected transcript.
		Messages []thread.Message
		// ToolCalls lists observed tool invocations in first-seen order.
		ToolCalls []session.ToolCall
		// PanelOpen reports whether the tool activity panel should be shown.
		PanelOpen bool
		// Queued lists messages waiting behind the active run.
		Queued []queue.Message
	}

	// Engine reconciles a thread's live run stream with its confirmed state.
	// Safe for concurrent use.
	Engine struct {
		client  api.Client
		ledger  intent.Ledger
		queue   queue.Strategy
		hooks   Hooks
		logger  telemetry.Logger
		metrics telemetry.Metrics

		store      *thread.Store
		controller *session.Controller
		arbiter    *arbiter.Arbiter
		projection *projection.Projection

		mu           sync.Mutex
		threadID     string
		projectID    string
		toolActivity bool
		panelHidden  bool
	}
)

// ErrBusy is returned by Submit when a run is active and queueing is
// disabled.
var ErrBusy = errors.New("a run is already active")

// New constructs an Engine and wires its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, &session.ConfigError{Field: "client"}
	}
	if opts.Subscriber == nil {
		return nil, &session.ConfigError{Field: "subscriber"}
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = intentmem.New()
	}
	strategy := opts.Queue
	if strategy == nil {
		strategy = queue.Disabled()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	e := &Engine{
		client:  opts.Client,
		ledger:  ledger,
		queue:   strategy,
		hooks:   opts.Hooks,
		logger:  logger,
		metrics: metrics,
		store:   thread.NewStore(),
	}

	proj, err := projection.New(projection.Options{
		Store:         e.store,
		OnHardTimeout: e.hardTimeoutFired,
		OnExit:        e.optimismExited,
		HardTimeout:   opts.HardTimeout,
		SoftTimeout:   opts.SoftTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	e.projection = proj

	ctrl, err := session.New(session.Options{
		Store:      e.store,
		Subscriber: opts.Subscriber,
		Client:     opts.Client,
		Logger:     logger,
		Metrics:    metrics,
		Hooks: session.Hooks{
			OnStatus:      e.statusChanged,
			OnTerminal:    e.runEnded,
			OnError:       e.streamFailed,
			OnToolMessage: e.toolMessageArrived,
			OnEvidence:    proj.NoteEvidence,
		},
	})
	if err != nil {
		return nil, err
	}
	e.controller = ctrl

	arbOpts := arbiter.Options{Controller: ctrl, Logger: logger}
	if opts.Registry != nil {
		poller, err := hint.NewPoller(hint.PollerOptions{
			Registry: opts.Registry,
			Attempts: opts.HintAttempts,
			Interval: opts.HintInterval,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		arbOpts.Poller = poller
	}
	arb, err := arbiter.New(arbOpts)
	if err != nil {
		return nil, err
	}
	e.arbiter = arb
	return e, nil
}

// AttachThread loads the thread's persisted state and resumes any active run.
// It is the resume-on-load trigger: called on mount and on thread switch. A
// not-found thread with a fresh matching pending intent triggers the one-shot
// replay of the original submission.
func (e *Engine) AttachThread(ctx context.Context, threadID, projectID string) error {
	e.detach()
	e.mu.Lock()
	e.threadID = threadID
	e.projectID = projectID
	e.mu.Unlock()

	state, err := e.client.LoadThread(ctx, threadID)
	if err != nil {
		if api.IsNotFound(err) {
			return e.replayIntent(ctx, threadID, projectID, err)
		}
		return err
	}

	for _, m := range state.Messages {
		e.store.Upsert(m)
	}
	e.restorePrompt(ctx, threadID)
	e.projection.NoteInitialLoadComplete()

	if state.Running() {
		e.logger.Info(ctx, "resuming active run", "thread_id", threadID, "run_id", state.ActiveRunID)
		return e.arbiter.RequestStart(ctx, state.ActiveRunID, arbiter.OriginResume)
	}
	// No persisted run: a freshly created thread may still get one, announced
	// through the pre-connect registry.
	e.arbiter.WatchHints(ctx, threadID)
	return nil
}

// restorePrompt re-arms the optimistic projection from the persisted prompt
// record, so a reload right after submit does not blank the prompt.
func (e *Engine) restorePrompt(ctx context.Context, threadID string) {
	p, ok, err := e.ledger.LoadPrompt(ctx, threadID)
	if err != nil {
		e.logger.Warn(ctx, "prompt restore failed", "thread_id", threadID, "err", err.Error())
		return
	}
	if !ok || e.store.HasServerMessages() {
		return
	}
	e.projection.Begin(p)
}

// replayIntent applies the staleness rules to the pending intent recorded for
// the missing thread and replays the original submission at most once.
func (e *Engine) replayIntent(ctx context.Context, threadID, projectID string, loadErr error) error {
	it, ok, err := e.ledger.LoadIntent(ctx, threadID, projectID)
	if err != nil {
		e.logger.Warn(ctx, "intent lookup failed", "thread_id", threadID, "err", err.Error())
		return loadErr
	}
	if !ok {
		return loadErr
	}

	switch intent.Evaluate(it, threadID, time.Now().UTC()) {
	case intent.DispositionDiscard:
		e.metrics.IncCounter(telemetry.MetricIntentDiscards, 1, "thread_id", threadID)
		e.logger.Info(ctx, "stale intent discarded", "thread_id", threadID)
		e.clearIntent(ctx, threadID, projectID)
		return loadErr
	case intent.DispositionKeep:
		return loadErr
	}

	if !e.arbiter.ClaimReplay() {
		return loadErr
	}
	e.metrics.IncCounter(telemetry.MetricIntentReplays, 1, "thread_id", threadID)
	e.logger.Info(ctx, "replaying pending intent", "thread_id", threadID)

	prompt := intent.Prompt{
		ThreadID:  threadID,
		Text:      it.Prompt,
		FileIDs:   it.FileIDs,
		CreatedAt: it.CreatedAt,
	}
	e.projection.Begin(prompt)
	e.controller.SetPendingPrompt(prompt)

	out, err := e.client.StartRun(ctx, api.StartRunInput{
		ThreadID:  threadID,
		ProjectID: projectID,
		Prompt:    it.Prompt,
		FileIDs:   it.FileIDs,
	})
	if err != nil {
		// One shot: a failed replay is discarded, never looped.
		e.clearIntent(ctx, threadID, projectID)
		e.projection.Cancel()
		e.logger.Warn(ctx, "intent replay failed", "thread_id", threadID, "err", err.Error())
		if e.hooks.OnRedirect != nil {
			e.hooks.OnRedirect()
		}
		return err
	}
	e.clearIntent(ctx, threadID, projectID)
	return e.arbiter.RequestStart(ctx, out.RunID, arbiter.OriginResume)
}

// Submit starts a run for the attached thread. The intent and optimistic
// prompt are persisted before the network call so a crash or reload between
// submit and confirmation is recoverable. While a run is active the
// submission goes to the queue strategy instead.
func (e *Engine) Submit(ctx context.Context, input SubmitInput) (SubmitOutput, error) {
	if input.Prompt == "" {
		return SubmitOutput{}, &session.ConfigError{Field: "prompt"}
	}
	e.mu.Lock()
	threadID := e.threadID
	projectID := e.projectID
	e.mu.Unlock()

	if e.controller.Status() != session.StatusIdle {
		queued, err := e.queue.Enqueue(ctx, threadID, input.Prompt, input.FileIDs)
		if err != nil {
			if errors.Is(err, queue.ErrQueueingDisabled) {
				return SubmitOutput{}, ErrBusy
			}
			return SubmitOutput{}, err
		}
		e.logger.Debug(ctx, "submission queued", "thread_id", threadID, "queued_id", queued.ID)
		return SubmitOutput{ThreadID: threadID, Queued: true, QueuedID: queued.ID}, nil
	}

	now := time.Now().UTC()
	it := intent.Intent{
		ThreadID:  threadID,
		ProjectID: projectID,
		Prompt:    input.Prompt,
		FileIDs:   input.FileIDs,
		CreatedAt: now,
	}
	if err := e.ledger.PutIntent(ctx, it); err != nil {
		e.logger.Warn(ctx, "intent persist failed", "thread_id", threadID, "err", err.Error())
	}
	prompt := intent.Prompt{
		ThreadID:  threadID,
		Text:      input.Prompt,
		FileIDs:   input.FileIDs,
		CreatedAt: now,
	}
	if err := e.ledger.PutPrompt(ctx, prompt); err != nil {
		e.logger.Warn(ctx, "prompt persist failed", "thread_id", threadID, "err", err.Error())
	}

	e.projection.Begin(prompt)
	e.controller.SetPendingPrompt(prompt)

	out, err := e.client.StartRun(ctx, api.StartRunInput{
		ThreadID:  threadID,
		ProjectID: projectID,
		Prompt:    input.Prompt,
		FileIDs:   input.FileIDs,
		ModelName: input.ModelName,
		AgentID:   input.AgentID,
		Mode:      input.Mode,
	})
	if err != nil {
		return SubmitOutput{}, e.submitFailed(ctx, threadID, projectID, err)
	}

	if out.ThreadID != "" && out.ThreadID != threadID {
		// The backend created the thread as part of this submission; rebind
		// the persisted records to the real id.
		e.rebindThread(ctx, threadID, projectID, out.ThreadID, it, prompt)
		threadID = out.ThreadID
	}
	e.clearIntent(ctx, threadID, projectID)

	if err := e.arbiter.RequestStart(ctx, out.RunID, arbiter.OriginSend); err != nil {
		return SubmitOutput{}, err
	}
	return SubmitOutput{RunID: out.RunID, ThreadID: threadID}, nil
}

// submitFailed classifies a failed submission. Typed failures clear the
// persisted records (they will not succeed on replay either) and reach their
// dedicated hooks; unclassified failures keep the intent so a reload can
// replay it.
func (e *Engine) submitFailed(ctx context.Context, threadID, projectID string, err error) error {
	e.projection.Cancel()
	var (
		billing      *api.BillingError
		runLimit     *api.RunLimitError
		projectLimit *api.ProjectLimitError
	)
	switch {
	case errors.As(err, &billing):
		e.clearIntent(ctx, threadID, projectID)
		e.logger.Info(ctx, "submission rejected by billing", "thread_id", threadID)
		if e.hooks.OnBilling != nil {
			e.hooks.OnBilling(billing)
		}
	case errors.As(err, &runLimit):
		e.clearIntent(ctx, threadID, projectID)
		e.logger.Info(ctx, "submission rejected by run limit", "thread_id", threadID, "running", runLimit.RunningCount)
		if e.hooks.OnRunLimit != nil {
			e.hooks.OnRunLimit(runLimit)
		}
	case errors.As(err, &projectLimit):
		e.clearIntent(ctx, threadID, projectID)
		e.logger.Info(ctx, "submission rejected by project limit", "thread_id", threadID)
		if e.hooks.OnProjectLimit != nil {
			e.hooks.OnProjectLimit(projectLimit)
		}
	default:
		// The intent stays persisted: a reload of the same thread replays it.
		e.logger.Error(ctx, "submission failed", "thread_id", threadID, "err", err.Error())
	}
	return err
}

// rebindThread moves the persisted intent and prompt from the provisional
// (empty or local) thread id to the server-assigned one.
func (e *Engine) rebindThread(ctx context.Context, oldThreadID, projectID, newThreadID string, it intent.Intent, prompt intent.Prompt) {
	e.clearIntent(ctx, oldThreadID, projectID)
	it.ThreadID = newThreadID
	prompt.ThreadID = newThreadID
	if err := e.ledger.PutIntent(ctx, it); err != nil {
		e.logger.Warn(ctx, "intent rebind failed", "thread_id", newThreadID, "err", err.Error())
	}
	if err := e.ledger.PutPrompt(ctx, prompt); err != nil {
		e.logger.Warn(ctx, "prompt rebind failed", "thread_id", newThreadID, "err", err.Error())
	}
	e.mu.Lock()
	e.threadID = newThreadID
	e.mu.Unlock()
}

// Stop tears down the active run. Always succeeds from the caller's point of
// view.
func (e *Engine) Stop(ctx context.Context) {
	e.projection.Cancel()
	e.arbiter.StopWatching()
	e.controller.Stop(ctx)
	e.mu.Lock()
	threadID := e.threadID
	e.mu.Unlock()
	if err := e.ledger.ClearPrompt(ctx, threadID); err != nil {
		e.logger.Warn(ctx, "prompt clear failed", "thread_id", threadID, "err", err.Error())
	}
}

// Promote sends a queued message now, forcibly stopping the active run first.
func (e *Engine) Promote(ctx context.Context, queuedID string) (SubmitOutput, error) {
	e.mu.Lock()
	threadID := e.threadID
	e.mu.Unlock()
	msgs, err := e.queue.List(ctx, threadID)
	if err != nil {
		return SubmitOutput{}, err
	}
	for _, m := range msgs {
		if m.ID != queuedID {
			continue
		}
		if err := e.queue.Remove(ctx, threadID, queuedID); err != nil {
			return SubmitOutput{}, err
		}
		e.Stop(ctx)
		return e.Submit(ctx, SubmitInput{Prompt: m.Text, FileIDs: m.FileIDs})
	}
	return SubmitOutput{}, errors.New("queued message not found")
}

// Messages returns the projected transcript.
func (e *Engine) Messages() []thread.Message {
	return e.projection.Messages()
}

// Status returns the projected lifecycle status.
func (e *Engine) Status() session.Status {
	return e.projection.Status(e.controller.Status())
}

// Snapshot returns everything a UI renders in one consistent read.
func (e *Engine) Snapshot() Snapshot {
	ctrl := e.controller.Snapshot()
	e.mu.Lock()
	threadID := e.threadID
	panelOpen := e.toolActivity && !e.panelHidden
	e.mu.Unlock()
	queued, err := e.queue.List(context.Background(), threadID)
	if err != nil {
		queued = nil
	}
	return Snapshot{
		Status:    e.projection.Status(ctrl.Status),
		RunID:     ctrl.RunID,
		Messages:  e.projection.Messages(),
		ToolCalls: ctrl.ToolCalls,
		PanelOpen: panelOpen,
		Queued:    queued,
	}
}

// HidePanel dismisses the tool activity panel until new tool activity
// arrives.
func (e *Engine) HidePanel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panelHidden = true
}

// Close tears down all timers, polls, and the transport subscription.
func (e *Engine) Close() {
	e.detach()
}

// detach clears all per-thread state: subscription, hint poll, optimism,
// replay guard, store, panel latch.
func (e *Engine) detach() {
	e.projection.Cancel()
	e.arbiter.Reset()
	e.controller.Reset()
	e.store.Reset()
	e.mu.Lock()
	e.toolActivity = false
	e.panelHidden = false
	e.mu.Unlock()
}

func (e *Engine) clearIntent(ctx context.Context, threadID, projectID string) {
	if err := e.ledger.ClearIntent(ctx, threadID, projectID); err != nil {
		e.logger.Warn(ctx, "intent clear failed", "thread_id", threadID, "err", err.Error())
	}
}

func (e *Engine) statusChanged(s session.Status) {
	if e.hooks.OnStatus != nil {
		e.hooks.OnStatus(s)
	}
}

func (e *Engine) runEnded(state stream.RunState) {
	e.projection.Cancel()
	if e.hooks.OnTerminal != nil {
		e.hooks.OnTerminal(state)
	}
}

func (e *Engine) streamFailed(err error) {
	if e.hooks.OnNotify != nil {
		e.hooks.OnNotify(err.Error())
	}
}

// toolMessageArrived re-arms the panel auto-open: fresh tool activity must be
// noticed even if the user dismissed the panel earlier.
func (e *Engine) toolMessageArrived() {
	e.mu.Lock()
	e.toolActivity = true
	e.panelHidden = false
	e.mu.Unlock()
}

func (e *Engine) hardTimeoutFired() {
	if e.hooks.OnNotify != nil {
		e.hooks.OnNotify("the run never started; please try again")
	}
}

// optimismExited opportunistically clears the persisted prompt record once it
// is no longer needed.
func (e *Engine) optimismExited(reason projection.Reason) {
	if reason == projection.ReasonCanceled {
		return
	}
	e.mu.Lock()
	threadID := e.threadID
	e.mu.Unlock()
	if threadID == "" {
		return
	}
	ctx := context.Background()
	if err := e.ledger.ClearPrompt(ctx, threadID); err != nil {
		e.logger.Warn(ctx, "prompt clear failed", "thread_id", threadID, "err", err.Error())
	}
}
