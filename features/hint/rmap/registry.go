// Package rmap implements the pre-connect hint registry on a Pulse replicated
// map. The backend announces a freshly-created run by setting the thread's key;
// every client node joined to the same map observes the announcement without a
// dedicated request path. Entries are removed once the run reaches a terminal
// state.
package rmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

type (
	// Options configures the replicated-map registry.
	Options struct {
		// Redis is the Redis connection backing the replicated map. Required.
		Redis *redis.Client
		// MapName names the shared map. Clients and backend must agree on it.
		// Defaults to "runlink:hints".
		MapName string
	}

	// Registry implements hint.Registry on a Pulse replicated map.
	Registry struct {
		hints *rmap.Map
	}
)

// Join connects to the shared hint map, creating it if needed.
func Join(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.MapName
	if name == "" {
		name = "runlink:hints"
	}
	m, err := rmap.Join(ctx, name, opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("join hint map: %w", err)
	}
	return &Registry{hints: m}, nil
}

// RunIDForThread returns the run id announced for the thread, or the empty
// string when none is present. Reads are served from the local replica, so
// polling it is cheap.
func (r *Registry) RunIDForThread(_ context.Context, threadID string) (string, error) {
	runID, ok := r.hints.Get(threadID)
	if !ok {
		return "", nil
	}
	return runID, nil
}

// Announce publishes the run id for a thread. The backend calls this right
// after creating the run; tests and the demo use it to simulate that path.
func (r *Registry) Announce(ctx context.Context, threadID, runID string) error {
	if _, err := r.hints.Set(ctx, threadID, runID); err != nil {
		return fmt.Errorf("announce hint: %w", err)
	}
	return nil
}

// Withdraw removes the announcement for a thread, typically once the run has
// reached a terminal state.
func (r *Registry) Withdraw(ctx context.Context, threadID string) error {
	if _, err := r.hints.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("withdraw hint: %w", err)
	}
	return nil
}

// Close detaches from the replicated map.
func (r *Registry) Close() {
	r.hints.Close()
}
