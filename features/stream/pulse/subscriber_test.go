package pulse

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/runlink/features/stream/pulse/clients/pulse"
	"goa.design/runlink/stream"
	"goa.design/runlink/thread"
)

type (
	fakeClient struct {
		stream     *fakeStream
		streamName string
	}
	fakeStream struct {
		sink     *fakeSink
		sinkName string
	}
	fakeSink struct {
		ch    chan *streaming.Event
		acked []string
	}
)

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	c.streamName = name
	return c.stream, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return "1-0", nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	s.sinkName = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func newFakes(buffer int) (*fakeClient, *fakeSink) {
	sink := &fakeSink{ch: make(chan *streaming.Event, buffer)}
	return &fakeClient{stream: &fakeStream{sink: sink}}, sink
}

func TestSubscribeEmitsTypedEvents(t *testing.T) {
	client, sink := newFakes(4)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, "run/run-1", client.streamName)
	require.True(t, strings.HasPrefix(client.stream.sinkName, "runlink-"))

	statusEnv, _ := json.Marshal(envelope{
		Type:      string(stream.EventStatus),
		RunID:     "run-1",
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(`{"state":"streaming"}`),
	})
	msgEnv, _ := json.Marshal(envelope{
		Type:     string(stream.EventMessage),
		RunID:    "run-1",
		ThreadID: "t1",
		Payload:  json.RawMessage(`{"id":"m1","thread_id":"t1","role":"assistant","content":"hi"}`),
	})
	sink.ch <- &streaming.Event{ID: "1-0", Payload: statusEnv}
	sink.ch <- &streaming.Event{ID: "2-0", Payload: msgEnv}
	close(sink.ch)

	first := <-events
	status, ok := first.(stream.StatusEvent)
	require.True(t, ok)
	require.Equal(t, stream.StateStreaming, status.State)
	require.Equal(t, "run-1", status.RunID())

	second := <-events
	msg, ok := second.(stream.MessageEvent)
	require.True(t, ok)
	require.Equal(t, "m1", msg.Message.ID)
	require.Equal(t, thread.RoleAssistant, msg.Message.Role)
	require.Equal(t, "t1", msg.ThreadID())

	require.Empty(t, errs)
	require.Equal(t, []string{"1-0", "2-0"}, sink.acked)
}

func TestSubscribeDecodeError(t *testing.T) {
	client, sink := newFakes(1)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	close(sink.ch)

	require.Empty(t, events)
	require.ErrorContains(t, <-errs, "pulse decode payload")
}

func TestSubscribeRequiresRunID(t *testing.T) {
	client, _ := newFakes(1)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

func TestEncodeDecodeToolChunk(t *testing.T) {
	evt := stream.ToolChunkEvent{
		Base:       stream.Base{T: stream.EventToolChunk, R: "run-1", TH: "t1"},
		ToolCallID: "call-1",
		ToolName:   "search",
		Delta:      `{"query":"weather"}`,
		Done:       true,
	}
	data, err := encodeEvent(evt)
	require.NoError(t, err)
	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	chunk, ok := decoded.(stream.ToolChunkEvent)
	require.True(t, ok)
	require.Equal(t, "call-1", chunk.ToolCallID)
	require.Equal(t, "search", chunk.ToolName)
	require.True(t, chunk.Done)
	require.Equal(t, "run-1", chunk.RunID())
}

func TestDecodeUnknownTypeFallsBackToBase(t *testing.T) {
	data, _ := json.Marshal(envelope{Type: "future_event", RunID: "run-1"})
	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, stream.EventType("future_event"), decoded.Type())
}
