// Package stream defines the client-side contract for consuming a live agent
// run: subscribe by run id, receive ordered events, detect terminal states.
// The wire encoding is owned by transports (see features/stream/pulse); this
// package only fixes the event vocabulary the session controller consumes.
//
// All event types implement the Event interface by embedding Base. Events are
// immutable after construction and delivered strictly in arrival order.
package stream

import (
	"context"

	"goa.design/runlink/thread"
)

type (
	// Subscriber opens a live event feed for a single run. Implementations wrap
	// a concrete transport (Pulse, SSE, WebSocket) and decode its payloads into
	// Event values.
	Subscriber interface {
		// Subscribe attaches to the run's event feed and returns channels for
		// events and transport errors, plus a cancel function that tears down
		// the subscription and closes both channels. Events are delivered in
		// arrival order; the feed ends when a terminal status event is observed
		// or cancel is invoked.
		Subscribe(ctx context.Context, runID string) (<-chan Event, <-chan error, context.CancelFunc, error)
	}

	// Event is one update observed on a run's live feed.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run that produced this event.
		RunID() string
		// ThreadID returns the thread the run is bound to. May be empty when
		// the transport does not annotate events with the thread.
		ThreadID() string
		// Payload returns the event-specific data in a JSON-serializable form.
		Payload() any
	}

	// Base provides a default implementation of Event. Concrete event types
	// embed it to inherit the interface methods.
	Base struct {
		// T is the event type constant.
		T EventType
		// R is the run identifier.
		R string
		// TH is the owning thread identifier.
		TH string
		// P is the JSON-serializable payload.
		P any
	}

	// MessageEvent carries a complete or updated conversation message. The
	// controller forwards it to the message store, where it either appends,
	// replaces by id, or adopts a matching optimistic entry.
	MessageEvent struct {
		Base
		// Message is the server's view of the message.
		Message thread.Message
	}

	// StatusEvent announces a run lifecycle transition observed server-side.
	StatusEvent struct {
		Base
		// State is the announced run state.
		State RunState
	}

	// ContentEvent streams incremental assistant text. Consumers concatenate
	// Text from sequential ContentEvents to reconstruct the reply.
	ContentEvent struct {
		Base
		// MessageID is the assistant message the chunk belongs to.
		MessageID string
		// Text is the appended content chunk.
		Text string
	}

	// ReasoningEvent streams incremental agent reasoning. UIs typically render
	// it in a collapsible "thinking" section.
	ReasoningEvent struct {
		Base
		// Text is the appended reasoning chunk.
		Text string
	}

	// ToolChunkEvent streams partial tool invocation state: the call being
	// assembled, its accumulated input, and eventually its completion.
	ToolChunkEvent struct {
		Base
		// ToolCallID correlates chunks belonging to one invocation.
		ToolCallID string
		// ToolName identifies the invoked tool. May be empty on later chunks.
		ToolName string
		// Delta is the appended partial content for the invocation.
		Delta string
		// Done marks the final chunk of the invocation.
		Done bool
	}

	// ErrorEvent reports a transport-level or run-level error. The controller
	// classifies the message: benign errors (run finished, run not found) are
	// absorbed, anything else is surfaced.
	ErrorEvent struct {
		Base
		// Message is the error text as reported by the transport.
		Message string
	}

	// CloseEvent marks the end of the feed without a terminal status, typically
	// because the transport connection was torn down.
	CloseEvent struct {
		Base
	}

	// EventType enumerates stream payload flavors.
	EventType string

	// RunState enumerates the run lifecycle states announced over the feed.
	RunState string
)

const (
	// EventMessage delivers a complete or updated conversation message.
	EventMessage EventType = "message"
	// EventStatus announces a run lifecycle transition.
	EventStatus EventType = "status"
	// EventContent streams incremental assistant text.
	EventContent EventType = "content"
	// EventReasoning streams incremental agent reasoning.
	EventReasoning EventType = "reasoning"
	// EventToolChunk streams partial tool invocation state.
	EventToolChunk EventType = "tool_chunk"
	// EventError reports a transport or run error.
	EventError EventType = "error"
	// EventClose marks the end of the feed.
	EventClose EventType = "close"
)

const (
	// StateIdle indicates no run is executing.
	StateIdle RunState = "idle"
	// StateConnecting indicates the run was accepted but has produced nothing.
	StateConnecting RunState = "connecting"
	// StateStreaming indicates the run is actively producing output.
	StateStreaming RunState = "streaming"
	// StateCompleted indicates the run finished successfully.
	StateCompleted RunState = "completed"
	// StateStopped indicates the run was stopped by the user.
	StateStopped RunState = "stopped"
	// StateNotRunning indicates the subscribed run is not executing server-side.
	StateNotRunning RunState = "agent_not_running"
	// StateError indicates the run ended with an error.
	StateError RunState = "error"
	// StateFailed indicates the run failed permanently.
	StateFailed RunState = "failed"
)

// Terminal reports whether the state ends the feed. Every terminal state
// forces the session controller back to idle.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateNotRunning, StateError, StateFailed:
		return true
	}
	return false
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.T }

// RunID implements Event.RunID.
func (e Base) RunID() string { return e.R }

// ThreadID implements Event.ThreadID.
func (e Base) ThreadID() string { return e.TH }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.P }
