package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/runlink/features/stream/pulse/clients/pulse"
	"goa.design/runlink/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed run feed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkPrefix names the per-subscription consumer groups. Each Subscribe
		// call derives a unique sink name from this prefix so concurrent
		// clients each observe the full feed. Defaults to "runlink".
		SinkPrefix string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes run streams from Pulse and emits typed run events.
	// It implements stream.Subscriber.
	Subscriber struct {
		client clientspulse.Client
		prefix string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in opts
// is required; SinkPrefix and Buffer default to sensible values.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.SinkPrefix
	if prefix == "" {
		prefix = "runlink"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, prefix: prefix, buffer: buffer}, nil
}

// Subscribe opens a sink on the run's stream and returns channels for events
// and errors. A goroutine consumes the sink, decodes envelopes, and emits
// typed events in arrival order. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(streamName(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	// Start at the oldest entry: a client that attaches mid-run replays the
	// events published before it subscribed.
	sink, err := str.NewSink(ctx, fmt.Sprintf("%s-%s", s.prefix, uuid.NewString()), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads raw events from the Pulse sink, decodes them, and forwards
// them on out. Each event is acked after successful emission. Both channels
// close when ctx is canceled, the sink channel closes, or an error is sent.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
