package pulse

import (
	"context"
	"errors"
	"fmt"

	clientspulse "goa.design/runlink/features/stream/pulse/clients/pulse"
	"goa.design/runlink/stream"
)

type (
	// PublisherOptions configures the Pulse run feed publisher.
	PublisherOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
	}

	// Publisher writes run events into the per-run Pulse stream. The backend
	// side of the feed uses it; the demo binary and integration tests use it
	// to script a fake backend against the engine.
	Publisher struct {
		client clientspulse.Client
	}
)

// NewPublisher constructs a Pulse-backed run feed publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Publisher{client: opts.Client}, nil
}

// Publish wraps the event in the wire envelope and appends it to the run's
// stream.
func (p *Publisher) Publish(ctx context.Context, evt stream.Event) error {
	if evt.RunID() == "" {
		return errors.New("run event missing run id")
	}
	handle, err := p.client.Stream(streamName(evt.RunID()))
	if err != nil {
		return err
	}
	payload, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(evt.Type()), payload); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Destroy removes the run's stream from Redis. Called after a run reaches a
// terminal state and all clients have drained the feed.
func (p *Publisher) Destroy(ctx context.Context, runID string) error {
	handle, err := p.client.Stream(streamName(runID))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}
