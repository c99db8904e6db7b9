// Package pulse implements the run feed transport over goa.design/pulse
// streams. Each run has one stream named "run/<runID>"; the backend publishes
// envelope-wrapped events and every client consumes them through its own sink,
// so a reconnecting client resumes the feed without disturbing others.
package pulse

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/runlink/stream"
	"goa.design/runlink/thread"
)

type (
	// envelope wraps run events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "status", "content").
		Type string `json:"type"`
		// RunID links the event to a specific run execution.
		RunID string `json:"run_id"`
		// ThreadID links the event to the owning thread, when known.
		ThreadID string `json:"thread_id,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	messagePayload struct {
		ID        string    `json:"id"`
		ThreadID  string    `json:"thread_id"`
		Role      string    `json:"role"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	statusPayload struct {
		State string `json:"state"`
	}

	contentPayload struct {
		MessageID string `json:"message_id,omitempty"`
		Text      string `json:"text"`
	}

	reasoningPayload struct {
		Text string `json:"text"`
	}

	toolChunkPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name,omitempty"`
		Delta      string `json:"delta,omitempty"`
		Done       bool   `json:"done,omitempty"`
	}

	errorPayload struct {
		Message string `json:"message"`
	}
)

// streamName derives the Pulse stream name for a run.
func streamName(runID string) string {
	return "run/" + runID
}

// encodeEvent wraps a run event in the JSON envelope format.
func encodeEvent(evt stream.Event) ([]byte, error) {
	var payload any
	switch e := evt.(type) {
	case stream.MessageEvent:
		payload = messagePayload{
			ID:        e.Message.ID,
			ThreadID:  e.Message.ThreadID,
			Role:      string(e.Message.Role),
			Content:   e.Message.Content,
			CreatedAt: e.Message.CreatedAt,
			UpdatedAt: e.Message.UpdatedAt,
		}
	case stream.StatusEvent:
		payload = statusPayload{State: string(e.State)}
	case stream.ContentEvent:
		payload = contentPayload{MessageID: e.MessageID, Text: e.Text}
	case stream.ReasoningEvent:
		payload = reasoningPayload{Text: e.Text}
	case stream.ToolChunkEvent:
		payload = toolChunkPayload{
			ToolCallID: e.ToolCallID,
			ToolName:   e.ToolName,
			Delta:      e.Delta,
			Done:       e.Done,
		}
	case stream.ErrorEvent:
		payload = errorPayload{Message: e.Message}
	case stream.CloseEvent:
		payload = nil
	default:
		payload = evt.Payload()
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(envelope{
		Type:      string(evt.Type()),
		RunID:     evt.RunID(),
		ThreadID:  evt.ThreadID(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
}

// decodeEnvelope deserializes the JSON envelope and reconstructs the typed run
// event. Unknown event types decode into a bare Base so new server-side event
// kinds do not break older clients.
func decodeEnvelope(data []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	base := stream.Base{
		T:  stream.EventType(env.Type),
		R:  env.RunID,
		TH: env.ThreadID,
		P:  env.Payload,
	}
	switch stream.EventType(env.Type) {
	case stream.EventMessage:
		var p messagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return stream.MessageEvent{Base: base, Message: thread.Message{
			ID:        p.ID,
			ThreadID:  p.ThreadID,
			Role:      thread.Role(p.Role),
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		}}, nil
	case stream.EventStatus:
		var p statusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
		return stream.StatusEvent{Base: base, State: stream.RunState(p.State)}, nil
	case stream.EventContent:
		var p contentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode content payload: %w", err)
		}
		return stream.ContentEvent{Base: base, MessageID: p.MessageID, Text: p.Text}, nil
	case stream.EventReasoning:
		var p reasoningPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode reasoning payload: %w", err)
		}
		return stream.ReasoningEvent{Base: base, Text: p.Text}, nil
	case stream.EventToolChunk:
		var p toolChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode tool chunk payload: %w", err)
		}
		return stream.ToolChunkEvent{
			Base:       base,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			Delta:      p.Delta,
			Done:       p.Done,
		}, nil
	case stream.EventError:
		var p errorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return stream.ErrorEvent{Base: base, Message: p.Message}, nil
	case stream.EventClose:
		return stream.CloseEvent{Base: base}, nil
	default:
		return base, nil
	}
}
