// Package projection bridges the gap between "user pressed send" and "server
// confirmed the run exists". While optimism is active it projects a synthetic
// user message ahead of the confirmed transcript and substitutes connecting
// for idle, so the UI never flashes a blank or resting state right after a
// submit.
//
// Optimism exits exactly once, whichever condition fires first: hard evidence
// of life from the stream, a 30 second hard timeout treated as failure, or a
// 5 second soft timeout after the initial load that recovers silently when
// messages loaded but the stream never visibly attached.
package projection

import (
	"sync"
	"time"

	"goa.design/runlink/intent"
	"goa.design/runlink/session"
	"goa.design/runlink/telemetry"
	"goa.design/runlink/thread"
)

type (
	// Reason identifies why optimism ended.
	Reason string

	// Options configures a Projection.
	Options struct {
		// Store holds the confirmed transcript. Required.
		Store *thread.Store
		// OnHardTimeout notifies the user that the run never showed signs of
		// life. Invoked at most once per activation. Optional.
		OnHardTimeout func()
		// OnExit observes the end of optimism, whatever the reason. Optional.
		OnExit func(Reason)
		// HardTimeout bounds how long optimism survives with zero evidence.
		// Defaults to 30s.
		HardTimeout time.Duration
		// SoftTimeout bounds how long optimism survives after the initial
		// load completed with real messages but no stream content. Defaults
		// to 5s.
		SoftTimeout time.Duration
		// Logger defaults to Noop.
		Logger telemetry.Logger
		// Metrics defaults to Noop.
		Metrics telemetry.Metrics
	}

	// Projection is the optimistic view over the message store and session
	// status. Safe for concurrent use.
	Projection struct {
		store         *thread.Store
		onHardTimeout func()
		onExit        func(Reason)
		hardTimeout   time.Duration
		softTimeout   time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics

		mu           sync.Mutex
		active       bool
		prompt       intent.Prompt
		syntheticID  string
		beganAt      time.Time
		loadComplete bool
		hardTimer    *time.Timer
		softTimer    *time.Timer
	}
)

const (
	// ReasonEvidence means real stream output or a real message arrived.
	ReasonEvidence Reason = "evidence"
	// ReasonHardTimeout means nothing arrived within the hard window.
	ReasonHardTimeout Reason = "hard_timeout"
	// ReasonSoftTimeout means messages loaded but the stream stayed silent.
	ReasonSoftTimeout Reason = "soft_timeout"
	// ReasonCanceled means the thread changed or the run was stopped.
	ReasonCanceled Reason = "canceled"
)

// DefaultHardTimeout is the evidence deadline for an activated projection.
const DefaultHardTimeout = 30 * time.Second

// DefaultSoftTimeout is the silent-recovery deadline after initial load.
const DefaultSoftTimeout = 5 * time.Second

// New constructs a Projection.
func New(opts Options) (*Projection, error) {
	if opts.Store == nil {
		return nil, &session.ConfigError{Field: "store"}
	}
	hard := opts.HardTimeout
	if hard == 0 {
		hard = DefaultHardTimeout
	}
	soft := opts.SoftTimeout
	if soft == 0 {
		soft = DefaultSoftTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Projection{
		store:         opts.Store,
		onHardTimeout: opts.OnHardTimeout,
		onExit:        opts.OnExit,
		hardTimeout:   hard,
		softTimeout:   soft,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Begin activates optimism for a freshly submitted prompt and arms the hard
// timeout. A previous activation, if still latched, is canceled first.
func (p *Projection) Begin(prompt intent.Prompt) {
	p.mu.Lock()
	p.stopTimersLocked()
	p.active = true
	p.prompt = prompt
	p.syntheticID = thread.NewLocalID()
	p.beganAt = time.Now().UTC()
	p.loadComplete = false
	p.hardTimer = time.AfterFunc(p.hardTimeout, p.hardTimeoutFired)
	p.mu.Unlock()
}

// NoteEvidence records hard evidence of life from the stream and ends
// optimism. Latched: only the first call has any effect per activation.
func (p *Projection) NoteEvidence() {
	p.exit(ReasonEvidence)
}

// NoteInitialLoadComplete records that the thread's persisted messages
// finished loading and arms the soft timeout. If the stream produces nothing
// within the window but real messages exist, optimism ends silently: the run
// most likely attached and finished without visible output.
func (p *Projection) NoteInitialLoadComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.loadComplete {
		return
	}
	p.loadComplete = true
	p.softTimer = time.AfterFunc(p.softTimeout, p.softTimeoutFired)
}

// Cancel ends optimism without notifying anyone. Used on thread switch and
// explicit stop.
func (p *Projection) Cancel() {
	p.exit(ReasonCanceled)
}

// Active reports whether optimism is currently projected.
func (p *Projection) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Messages returns the projected transcript: while optimism is active, the
// synthetic user message followed by the confirmed non-user messages; after
// exit, the store's contents verbatim.
func (p *Projection) Messages() []thread.Message {
	p.mu.Lock()
	active := p.active
	prompt := p.prompt
	syntheticID := p.syntheticID
	beganAt := p.beganAt
	p.mu.Unlock()
	msgs := p.store.Messages()
	if !active {
		return msgs
	}
	projected := make([]thread.Message, 0, len(msgs)+1)
	projected = append(projected, thread.Message{
		ID:        syntheticID,
		ThreadID:  prompt.ThreadID,
		Role:      thread.RoleUser,
		Content:   prompt.Text,
		CreatedAt: beganAt,
		UpdatedAt: beganAt,
	})
	for _, m := range msgs {
		if m.Role != thread.RoleUser {
			projected = append(projected, m)
		}
	}
	return projected
}

// Status substitutes connecting for idle while optimism is active, so
// spinners do not flicker to a resting state before the real stream attaches.
func (p *Projection) Status(actual session.Status) session.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && actual == session.StatusIdle {
		return session.StatusConnecting
	}
	return actual
}

func (p *Projection) hardTimeoutFired() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.metrics.IncCounter(telemetry.MetricOptimismTimeouts, 1, "kind", "hard")
	if p.exit(ReasonHardTimeout) && p.onHardTimeout != nil {
		p.onHardTimeout()
	}
}

func (p *Projection) softTimeoutFired() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	// The soft path only applies when real messages actually loaded; with an
	// empty store the hard timeout remains the arbiter of failure.
	if !p.store.HasServerMessages() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.metrics.IncCounter(telemetry.MetricOptimismTimeouts, 1, "kind", "soft")
	p.exit(ReasonSoftTimeout)
}

// exit ends optimism once per activation. Returns true when this call was the
// one that ended it.
func (p *Projection) exit(reason Reason) bool {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return false
	}
	p.active = false
	p.stopTimersLocked()
	p.mu.Unlock()
	if p.onExit != nil {
		p.onExit(reason)
	}
	return true
}

func (p *Projection) stopTimersLocked() {
	if p.hardTimer != nil {
		p.hardTimer.Stop()
		p.hardTimer = nil
	}
	if p.softTimer != nil {
		p.softTimer.Stop()
		p.softTimer = nil
	}
}
