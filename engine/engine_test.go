package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/runlink/api"
	apimem "goa.design/runlink/api/inmem"
	"goa.design/runlink/intent"
	intentmem "goa.design/runlink/intent/inmem"
	"goa.design/runlink/queue"
	"goa.design/runlink/session"
	"goa.design/runlink/stream"
	"goa.design/runlink/thread"
)

type fakeSubscriber struct {
	mu    sync.Mutex
	feeds []*fakeFeed
}

type fakeFeed struct {
	runID  string
	events chan stream.Event
	errs   chan error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, runID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &fakeFeed{
		runID:  runID,
		events: make(chan stream.Event, 16),
		errs:   make(chan error, 1),
	}
	s.feeds = append(s.feeds, f)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(f.events)
			close(f.errs)
		})
	}
	return f.events, f.errs, cancel, nil
}

func (s *fakeSubscriber) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func (s *fakeSubscriber) last() *fakeFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[len(s.feeds)-1]
}

type scriptedRegistry struct {
	mu    sync.Mutex
	runID string
}

func (r *scriptedRegistry) RunIDForThread(_ context.Context, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID, nil
}

func statusEvent(runID string, state stream.RunState) stream.StatusEvent {
	return stream.StatusEvent{
		Base:  stream.Base{T: stream.EventStatus, R: runID},
		State: state,
	}
}

func newEngine(t *testing.T, opts Options) (*Engine, *fakeSubscriber, *apimem.Client) {
	t.Helper()
	sub := &fakeSubscriber{}
	client := apimem.New()
	opts.Client = client
	opts.Subscriber = sub
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, sub, client
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Subscriber: &fakeSubscriber{}})
	require.EqualError(t, err, "client is required")
	_, err = New(Options{Client: apimem.New()})
	require.EqualError(t, err, "subscriber is required")
}

// Mirrors the first-submit flow end to end: optimistic prompt appears with a
// projected connecting status, the stream confirms, the first assistant
// output ends optimism and the transcript converges to confirmed state.
func TestSubmitHappyPath(t *testing.T) {
	e, sub, _ := newEngine(t, Options{})
	ctx := context.Background()

	out, err := e.Submit(ctx, SubmitInput{Prompt: "write a haiku"})
	require.NoError(t, err)
	require.NotEmpty(t, out.RunID)
	require.NotEmpty(t, out.ThreadID)
	assert.False(t, out.Queued)

	// Optimism: the prompt shows immediately, status projects as connecting.
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "write a haiku", msgs[0].Content)
	assert.Equal(t, session.StatusConnecting, e.Status())

	feed := sub.last()
	assert.Equal(t, out.RunID, feed.runID)
	feed.events <- statusEvent(out.RunID, stream.StateConnecting)
	feed.events <- statusEvent(out.RunID, stream.StateStreaming)
	require.Eventually(t, func() bool { return e.Status() == session.StatusStreaming },
		time.Second, 5*time.Millisecond)

	feed.events <- stream.MessageEvent{
		Base: stream.Base{T: stream.EventMessage, R: out.RunID},
		Message: thread.Message{
			ID: "msg-a", ThreadID: out.ThreadID, Role: thread.RoleAssistant, Content: "five syllables here",
		},
	}
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Messages) == 2 && snap.Messages[1].ID == "msg-a"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "write a haiku", e.Messages()[0].Content)

	feed.events <- statusEvent(out.RunID, stream.StateCompleted)
	require.Eventually(t, func() bool { return e.Status() == session.StatusIdle },
		time.Second, 5*time.Millisecond)
}

func TestSubmitWhileBusyWithoutQueueing(t *testing.T) {
	e, _, _ := newEngine(t, Options{})
	_, err := e.Submit(context.Background(), SubmitInput{Prompt: "first"})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), SubmitInput{Prompt: "second"})
	require.ErrorIs(t, err, ErrBusy)
}

func TestSubmitWhileBusyQueuesWhenEnabled(t *testing.T) {
	e, _, client := newEngine(t, Options{Queue: queue.InMemory()})
	ctx := context.Background()
	first, err := e.Submit(ctx, SubmitInput{Prompt: "first"})
	require.NoError(t, err)

	out, err := e.Submit(ctx, SubmitInput{Prompt: "second"})
	require.NoError(t, err)
	require.True(t, out.Queued)
	require.NotEmpty(t, out.QueuedID)
	assert.Len(t, e.Snapshot().Queued, 1)

	// Promote stops the active run before sending the queued message.
	promoted, err := e.Promote(ctx, out.QueuedID)
	require.NoError(t, err)
	assert.False(t, promoted.Queued)
	assert.NotEqual(t, first.RunID, promoted.RunID)
	assert.Contains(t, client.Canceled, first.RunID)
	assert.Empty(t, e.Snapshot().Queued)
}

func TestSubmitEmptyPromptRejected(t *testing.T) {
	e, _, _ := newEngine(t, Options{})
	_, err := e.Submit(context.Background(), SubmitInput{})
	require.Error(t, err)
}

func TestSubmitBillingErrorClearsIntent(t *testing.T) {
	ledger := intentmem.New()
	var billed *api.BillingError
	e, _, client := newEngine(t, Options{
		Ledger: ledger,
		Hooks:  Hooks{OnBilling: func(b *api.BillingError) { billed = b }},
	})
	client.SeedThread("th-1", nil)
	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	client.StartRunErr = &api.BillingError{Message: "plan exhausted"}

	_, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.Error(t, err)
	require.NotNil(t, billed)
	assert.Equal(t, "plan exhausted", billed.Message)

	_, ok, err := ledger.LoadIntent(context.Background(), "th-1", "proj-1")
	require.NoError(t, err)
	assert.False(t, ok, "billing failures must not leave a replayable intent")
	assert.Equal(t, session.StatusIdle, e.Status())
}

func TestSubmitRunLimitErrorSurfaced(t *testing.T) {
	var limit *api.RunLimitError
	e, _, client := newEngine(t, Options{
		Hooks: Hooks{OnRunLimit: func(l *api.RunLimitError) { limit = l }},
	})
	client.StartRunErr = &api.RunLimitError{RunningCount: 3, RunningThreadIDs: []string{"th-a", "th-b", "th-c"}}

	_, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.Error(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, 3, limit.RunningCount)
}

func TestSubmitNetworkErrorKeepsIntentForReplay(t *testing.T) {
	ledger := intentmem.New()
	e, _, client := newEngine(t, Options{Ledger: ledger})
	client.SeedThread("th-1", nil)
	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	client.StartRunErr = errors.New("connection reset")

	_, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.Error(t, err)

	it, ok, err := ledger.LoadIntent(context.Background(), "th-1", "proj-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", it.Prompt)
}

// Mirrors the reload-after-failed-submit scenario: the thread 404s, a fresh
// matching intent exists, exactly one replay call is made and its run id is
// adopted.
func TestAttachReplaysFreshIntent(t *testing.T) {
	ledger := intentmem.New()
	require.NoError(t, ledger.PutIntent(context.Background(), intent.Intent{
		ThreadID:  "th-1",
		ProjectID: "proj-1",
		Prompt:    "write a haiku",
		CreatedAt: time.Now().UTC().Add(-30 * time.Second),
	}))

	var starts int
	e, sub, client := newEngine(t, Options{Ledger: ledger})
	client.OnStartRun = func(api.StartRunInput, api.StartRunOutput) { starts++ }

	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, sub.subscriptions())
	assert.Equal(t, session.StatusConnecting, e.Status())

	// The replayed prompt is projected optimistically.
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "write a haiku", msgs[0].Content)

	// The intent is consumed: a second load of the same thread must not
	// replay again.
	_, ok, err := ledger.LoadIntent(context.Background(), "th-1", "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttachDiscardsStaleIntentWithoutReplay(t *testing.T) {
	ledger := intentmem.New()
	require.NoError(t, ledger.PutIntent(context.Background(), intent.Intent{
		ThreadID:  "th-1",
		ProjectID: "proj-1",
		Prompt:    "old prompt",
		CreatedAt: time.Now().UTC().Add(-3 * time.Minute),
	}))

	var starts int
	e, _, client := newEngine(t, Options{Ledger: ledger})
	client.OnStartRun = func(api.StartRunInput, api.StartRunOutput) { starts++ }

	err := e.AttachThread(context.Background(), "th-1", "proj-1")
	require.ErrorIs(t, err, api.ErrThreadNotFound)
	assert.Zero(t, starts, "stale intents must never trigger a retry call")

	_, ok, lerr := ledger.LoadIntent(context.Background(), "th-1", "proj-1")
	require.NoError(t, lerr)
	assert.False(t, ok)
}

func TestAttachKeepsFreshForeignIntent(t *testing.T) {
	ledger := intentmem.New()
	require.NoError(t, ledger.PutIntent(context.Background(), intent.Intent{
		ThreadID:  "th-other",
		ProjectID: "proj-1",
		Prompt:    "for another thread",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}))

	e, _, _ := newEngine(t, Options{Ledger: ledger})
	err := e.AttachThread(context.Background(), "th-1", "proj-1")
	require.ErrorIs(t, err, api.ErrThreadNotFound)

	// The foreign thread's intent survives for its own next load.
	_, ok, lerr := ledger.LoadIntent(context.Background(), "th-other", "proj-1")
	require.NoError(t, lerr)
	assert.True(t, ok)
}

func TestAttachReplayFailureRedirects(t *testing.T) {
	ledger := intentmem.New()
	require.NoError(t, ledger.PutIntent(context.Background(), intent.Intent{
		ThreadID:  "th-1",
		ProjectID: "proj-1",
		Prompt:    "write a haiku",
		CreatedAt: time.Now().UTC(),
	}))

	var redirected bool
	e, _, client := newEngine(t, Options{
		Ledger: ledger,
		Hooks:  Hooks{OnRedirect: func() { redirected = true }},
	})
	client.StartRunErr = errors.New("still broken")

	require.Error(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	assert.True(t, redirected)

	// One shot: the failed intent is discarded, not looped.
	_, ok, err := ledger.LoadIntent(context.Background(), "th-1", "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Mirrors the reload-mid-run scenario: persisted running state resumes the
// stream exactly once and shows no optimistic prompt.
func TestAttachResumesPersistedRun(t *testing.T) {
	e, sub, client := newEngine(t, Options{})
	client.SeedRunningThread("th-1", "run-live", []thread.Message{
		{ID: "msg-1", ThreadID: "th-1", Role: thread.RoleUser, Content: "hello"},
		{ID: "msg-2", ThreadID: "th-1", Role: thread.RoleAssistant, Content: "hi"},
	})

	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	assert.Equal(t, 1, sub.subscriptions())
	assert.Equal(t, "run-live", sub.last().runID)
	assert.Equal(t, session.StatusConnecting, e.Status())

	// Real messages loaded; nothing optimistic is projected.
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg-1", msgs[0].ID)
}

func TestAttachWatchesHintsForIdleThread(t *testing.T) {
	reg := &scriptedRegistry{runID: "run-hinted"}
	e, sub, client := newEngine(t, Options{
		Registry:     reg,
		HintAttempts: 5,
		HintInterval: 10 * time.Millisecond,
	})
	client.SeedThread("th-1", nil)

	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	require.Eventually(t, func() bool { return sub.subscriptions() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "run-hinted", sub.last().runID)
}

func TestStopCancelsRunAndOptimism(t *testing.T) {
	e, _, client := newEngine(t, Options{})
	out, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.NoError(t, err)

	e.Stop(context.Background())
	assert.Equal(t, session.StatusIdle, e.Status())
	assert.Contains(t, client.Canceled, out.RunID)
	assert.Empty(t, e.Messages(), "optimism must not survive an explicit stop")
}

func TestHardTimeoutNotifiesOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		notices []string
	)
	e, _, _ := newEngine(t, Options{
		HardTimeout: 30 * time.Millisecond,
		Hooks: Hooks{OnNotify: func(msg string) {
			mu.Lock()
			notices = append(notices, msg)
			mu.Unlock()
		}},
	})
	_, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notices, 1)
}

// OnStatus reports raw controller transitions; the optimism substitution is
// only visible through Status and Snapshot. When the feed drops mid-connect,
// the hook observes idle while the projected status still reads connecting.
func TestOnStatusReportsRawControllerStatus(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []session.Status
	)
	e, sub, _ := newEngine(t, Options{Hooks: Hooks{
		OnStatus: func(s session.Status) {
			mu.Lock()
			observed = append(observed, s)
			mu.Unlock()
		},
	}})
	out, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.NoError(t, err)

	sub.last().events <- stream.CloseEvent{Base: stream.Base{T: stream.EventClose, R: out.RunID}}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []session.Status{session.StatusConnecting, session.StatusIdle}, observed)
	mu.Unlock()
	assert.Equal(t, session.StatusConnecting, e.Status(), "optimism still projects connecting")
}

func TestToolPanelAutoOpens(t *testing.T) {
	e, sub, _ := newEngine(t, Options{})
	out, err := e.Submit(context.Background(), SubmitInput{Prompt: "hello"})
	require.NoError(t, err)
	assert.False(t, e.Snapshot().PanelOpen)

	sub.last().events <- stream.MessageEvent{
		Base: stream.Base{T: stream.EventMessage, R: out.RunID},
		Message: thread.Message{
			ID: "msg-t1", ThreadID: out.ThreadID, Role: thread.RoleTool, Content: "searched",
		},
	}
	require.Eventually(t, func() bool { return e.Snapshot().PanelOpen },
		time.Second, 5*time.Millisecond)

	// Dismissal holds until the next tool message re-opens the panel.
	e.HidePanel()
	assert.False(t, e.Snapshot().PanelOpen)
	sub.last().events <- stream.MessageEvent{
		Base: stream.Base{T: stream.EventMessage, R: out.RunID},
		Message: thread.Message{
			ID: "msg-t2", ThreadID: out.ThreadID, Role: thread.RoleTool, Content: "fetched",
		},
	}
	require.Eventually(t, func() bool { return e.Snapshot().PanelOpen },
		time.Second, 5*time.Millisecond)
}

func TestAttachRestoresPersistedPrompt(t *testing.T) {
	ledger := intentmem.New()
	require.NoError(t, ledger.PutPrompt(context.Background(), intent.Prompt{
		ThreadID:  "th-1",
		Text:      "still pending",
		CreatedAt: time.Now().UTC(),
	}))

	e, _, client := newEngine(t, Options{Ledger: ledger})
	client.SeedThread("th-1", nil)

	require.NoError(t, e.AttachThread(context.Background(), "th-1", "proj-1"))
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "still pending", msgs[0].Content)
	assert.Equal(t, session.StatusConnecting, e.Status())
}
