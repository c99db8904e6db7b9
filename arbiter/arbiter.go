// Package arbiter coordinates the three independent triggers that can start a
// run subscription: a pre-connect hint discovered by polling the registry, an
// explicit user send, and a resume-on-load of a run already marked running.
//
// The arbiter does not pick a winner up front. Deduplication is enforced by
// the session controller's identity guard; the arbiter's job is to give all
// three triggers a single entry point and to stop hint polling the moment any
// trigger succeeds, so no poll or retry outlives a started run.
package arbiter

import (
	"context"
	"sync"

	"goa.design/runlink/hint"
	"goa.design/runlink/session"
	"goa.design/runlink/telemetry"
)

type (
	// Origin identifies which trigger produced a start request.
	Origin string

	// Options configures an Arbiter.
	Options struct {
		// Controller owns the run lifecycle. Required.
		Controller *session.Controller
		// Poller discovers pre-connect hints. Optional; when nil, WatchHints
		// is a no-op.
		Poller *hint.Poller
		// Logger defaults to Noop.
		Logger telemetry.Logger
	}

	// Arbiter funnels start requests from all triggers into the controller
	// and owns the lifecycle of the hint poll.
	Arbiter struct {
		controller *session.Controller
		poller     *hint.Poller
		logger     telemetry.Logger

		mu         sync.Mutex
		watchStop  context.CancelFunc
		replayUsed bool
	}
)

const (
	// OriginHint marks a start discovered via the pre-connect registry.
	OriginHint Origin = "hint"
	// OriginSend marks a start from an explicit user send.
	OriginSend Origin = "send"
	// OriginResume marks a start recovered from persisted running state.
	OriginResume Origin = "resume"
)

// New constructs an Arbiter.
func New(opts Options) (*Arbiter, error) {
	if opts.Controller == nil {
		return nil, &session.ConfigError{Field: "controller"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Arbiter{
		controller: opts.Controller,
		poller:     opts.Poller,
		logger:     logger,
	}, nil
}

// RequestStart is the single entry point for all three start triggers. It
// forwards the candidate run id to the controller, whose identity guard makes
// repeated requests for the same run a no-op, and stops any in-flight hint
// poll once the controller has attached.
func (a *Arbiter) RequestStart(ctx context.Context, runID string, origin Origin) error {
	if runID == "" {
		return &session.ConfigError{Field: "run id"}
	}
	a.logger.Debug(ctx, "start requested", "run_id", runID, "origin", string(origin))
	if err := a.controller.Start(ctx, runID); err != nil {
		return err
	}
	if a.controller.LastStartedRunID() == runID {
		a.StopWatching()
	}
	return nil
}

// WatchHints polls the pre-connect registry for the thread's run id in the
// background and requests a start when one appears. The poll is bounded by
// the poller's attempt budget and is torn down by StopWatching, a successful
// start from any origin, or ctx cancellation. Calling WatchHints again
// replaces any previous watch.
func (a *Arbiter) WatchHints(ctx context.Context, threadID string) {
	if a.poller == nil {
		return
	}
	a.mu.Lock()
	if a.watchStop != nil {
		a.watchStop()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchStop = cancel
	a.mu.Unlock()

	go func() {
		runID, err := a.poller.Poll(watchCtx, threadID)
		if err != nil {
			if watchCtx.Err() == nil {
				a.logger.Warn(ctx, "hint poll failed", "thread_id", threadID, "err", err.Error())
			}
			return
		}
		if runID == "" {
			a.logger.Debug(ctx, "no hint found", "thread_id", threadID)
			return
		}
		if err := a.RequestStart(watchCtx, runID, OriginHint); err != nil {
			a.logger.Warn(ctx, "hint start failed", "run_id", runID, "err", err.Error())
		}
	}()
}

// StopWatching cancels any in-flight hint poll. The poll goroutine observes
// the cancellation at its next rate-limited wait and exits without starting
// anything.
func (a *Arbiter) StopWatching() {
	a.mu.Lock()
	stop := a.watchStop
	a.watchStop = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ClaimReplay reports whether a pending-intent replay may proceed. It returns
// true exactly once per arbiter lifetime; repeated load effects observing the
// same not-found thread must not replay the creation call twice.
func (a *Arbiter) ClaimReplay() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replayUsed {
		return false
	}
	a.replayUsed = true
	return true
}

// Reset clears per-mount state: the replay guard and any hint watch. Called
// on thread switch.
func (a *Arbiter) Reset() {
	a.StopWatching()
	a.mu.Lock()
	a.replayUsed = false
	a.mu.Unlock()
}
