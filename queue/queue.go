// Package queue holds messages the user composed while a run was already
// active. Queueing ships disabled: the default strategy rejects enqueueing so
// the engine's state machine never has to reason about queued work unless an
// operator opts in with an enabled strategy at construction time.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Message is one queued submission awaiting its turn.
	Message struct {
		// ID is a client-assigned identifier for removal and promotion.
		ID string `json:"id"`
		// ThreadID is the thread the message belongs to. Queued messages
		// never span threads.
		ThreadID string `json:"thread_id"`
		// Text is the composed prompt.
		Text string `json:"text"`
		// FileIDs are attachments captured at compose time.
		FileIDs []string `json:"file_ids,omitempty"`
		// Position orders queued messages within a thread.
		Position int `json:"position"`
		// QueuedAt records when the message was queued.
		QueuedAt time.Time `json:"queued_at"`
	}

	// Strategy decides whether submit-while-busy queues or is rejected.
	// Implementations must be safe for concurrent use.
	Strategy interface {
		// Enqueue appends a message for the thread. Returns ErrQueueingDisabled
		// when the strategy does not accept queued work.
		Enqueue(ctx context.Context, threadID, text string, fileIDs []string) (Message, error)
		// List returns the thread's queued messages in position order.
		List(ctx context.Context, threadID string) ([]Message, error)
		// Remove deletes one queued message by id.
		Remove(ctx context.Context, threadID, id string) error
		// Pop removes and returns the thread's first queued message. The
		// second return is false when the queue is empty.
		Pop(ctx context.Context, threadID string) (Message, bool, error)
	}
)

// ErrQueueingDisabled is returned by strategies that reject queued work.
var ErrQueueingDisabled = errors.New("message queueing is disabled")

// Disabled returns the default strategy: every Enqueue is rejected and the
// queue is always empty.
func Disabled() Strategy { return disabled{} }

type disabled struct{}

func (disabled) Enqueue(context.Context, string, string, []string) (Message, error) {
	return Message{}, ErrQueueingDisabled
}

func (disabled) List(context.Context, string) ([]Message, error) { return nil, nil }

func (disabled) Remove(context.Context, string, string) error { return nil }

func (disabled) Pop(context.Context, string) (Message, bool, error) {
	return Message{}, false, nil
}

// InMemory returns a strategy that queues messages per thread in memory.
func InMemory() Strategy {
	return &memoryStrategy{queues: make(map[string][]Message)}
}

type memoryStrategy struct {
	mu     sync.Mutex
	queues map[string][]Message
	next   int
}

func (s *memoryStrategy) Enqueue(_ context.Context, threadID, text string, fileIDs []string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	msg := Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Text:     text,
		FileIDs:  append([]string(nil), fileIDs...),
		Position: s.next,
		QueuedAt: time.Now().UTC(),
	}
	s.queues[threadID] = append(s.queues[threadID], msg)
	return msg, nil
}

func (s *memoryStrategy) List(_ context.Context, threadID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.queues[threadID]...), nil
}

func (s *memoryStrategy) Remove(_ context.Context, threadID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[threadID]
	for i, m := range q {
		if m.ID == id {
			s.queues[threadID] = append(q[:i:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memoryStrategy) Pop(_ context.Context, threadID string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[threadID]
	if len(q) == 0 {
		return Message{}, false, nil
	}
	msg := q[0]
	s.queues[threadID] = append([]Message(nil), q[1:]...)
	return msg, true, nil
}
