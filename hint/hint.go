// Package hint implements the pre-connect run discovery path: right after a
// thread is created, the backend announces the new run id through an
// out-of-band registry keyed by thread. Clients poll the registry for a short
// bounded window so they can attach to the stream before the thread's
// persisted state catches up.
package hint

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"goa.design/runlink/telemetry"
)

type (
	// Registry resolves the run id most recently announced for a thread.
	Registry interface {
		// RunIDForThread returns the announced run id for the thread, or the
		// empty string when none has been announced yet.
		RunIDForThread(ctx context.Context, threadID string) (string, error)
	}

	// PollerOptions configures a Poller.
	PollerOptions struct {
		// Registry is the hint source. Required.
		Registry Registry
		// Attempts caps the number of registry lookups per Poll call.
		// Defaults to 10.
		Attempts int
		// Interval is the minimum spacing between lookups. Defaults to 500ms.
		Interval time.Duration
		// Logger receives per-attempt debug logs. Defaults to Noop.
		Logger telemetry.Logger
	}

	// Poller runs the bounded retry loop over a Registry. One Poll call makes
	// at most Attempts lookups a rate limiter keeps Interval apart, then gives
	// up; it stops early when a run id appears or the context is canceled.
	Poller struct {
		registry Registry
		attempts int
		limiter  *rate.Limiter
		logger   telemetry.Logger
	}
)

// NewPoller constructs a Poller. The Registry field in opts is required.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Poller{
		registry: opts.Registry,
		attempts: attempts,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
	}, nil
}

// Poll looks the thread up until a run id appears or the attempt budget is
// exhausted. It returns the empty string, without error, when the budget runs
// out: an absent hint is the common case (the resume or send path will start
// the stream instead). Context cancellation aborts the loop. Transient
// registry errors consume an attempt and are logged, not returned, so a
// flaky registry degrades to "no hint" rather than failing the caller.
func (p *Poller) Poll(ctx context.Context, threadID string) (string, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
		runID, err := p.registry.RunIDForThread(ctx, threadID)
		if err != nil {
			p.logger.Debug(ctx, "hint lookup failed", "thread_id", threadID, "attempt", attempt, "err", err.Error())
			continue
		}
		if runID != "" {
			p.logger.Debug(ctx, "hint found", "thread_id", threadID, "run_id", runID, "attempt", attempt)
			return runID, nil
		}
	}
	p.logger.Debug(ctx, "hint poll exhausted", "thread_id", threadID, "attempts", p.attempts)
	return "", nil
}
