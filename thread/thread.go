// Package thread defines the conversation message model and the ordered
// message store that backs the client-side view of a thread.
//
// The store is the single place where streamed server state and locally
// originated optimistic state meet, so its Upsert contract is where message
// duplication is prevented: a user line can arrive once from local optimism
// and once again as the transport's echo, and both must collapse into one
// entry carrying the server id.
package thread

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Message is one unit of conversation content. Content is the displayable
	// text; Payload carries structured data (tool results, attachments) that
	// the engine treats as opaque.
	Message struct {
		// ID uniquely identifies the message within its thread. Messages that
		// originate locally before server confirmation use a temporary id
		// produced by NewLocalID; server-assigned ids never carry that prefix.
		ID string
		// ThreadID identifies the owning thread.
		ThreadID string
		// Role is the author role: user, assistant, or tool.
		Role Role
		// Content is the message text. For user messages this is the exact
		// submitted prompt; echo matching compares it verbatim.
		Content string
		// Payload holds structured content the engine does not interpret.
		Payload any
		// CreatedAt records when the message was created.
		CreatedAt time.Time
		// UpdatedAt records the last server update to the message.
		UpdatedAt time.Time
	}

	// Role identifies the author of a message.
	Role string

	// Outcome describes what an Upsert did with the incoming message. Consumers
	// use it to react to specific mutations (for example noticing new tool
	// activity) without diffing the message list.
	Outcome int
)

const (
	// RoleUser marks messages authored by the human user.
	RoleUser Role = "user"
	// RoleAssistant marks messages authored by the agent.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool invocation results.
	RoleTool Role = "tool"
)

const (
	// OutcomeAppended means the message was added at the end of the thread.
	OutcomeAppended Outcome = iota
	// OutcomeReplaced means a message with the same id was replaced in place.
	OutcomeReplaced
	// OutcomeAdopted means an optimistic user message was replaced in place by
	// its server-confirmed counterpart and now carries the server id.
	OutcomeAdopted
)

// localIDPrefix marks message ids minted by the client before server
// confirmation. Server-assigned ids must never collide with this scheme.
const localIDPrefix = "local-"

// NewLocalID returns a fresh temporary message id for an optimistic message.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was minted by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Store is the ordered, append-friendly collection of a single thread's
// messages. It is the sole mutation point for message state: Upsert is
// synchronous and serialized, so no two mutations interleave.
//
// The store performs no validation; malformed input is stored as-is.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int // message id -> position in messages
}

// NewStore returns an empty message store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Upsert applies one incoming message and reports what happened:
//
//   - A message whose id is already present replaces the stored entry in
//     place, preserving position.
//   - A server-confirmed user message whose content exactly matches an
//     optimistic (local-id) user message replaces that entry in place and the
//     server id takes over. Matching is by role and verbatim content because
//     the transport does not tag its first echo with the client's local id.
//   - Anything else is appended.
func (s *Store) Upsert(msg Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.index[msg.ID]; ok {
		s.messages[pos] = msg
		return OutcomeReplaced
	}
	if msg.Role == RoleUser && !IsLocalID(msg.ID) {
		if pos, ok := s.findOptimisticMatch(msg.Content); ok {
			delete(s.index, s.messages[pos].ID)
			s.messages[pos] = msg
			s.index[msg.ID] = pos
			return OutcomeAdopted
		}
	}
	s.messages = append(s.messages, msg)
	s.index[msg.ID] = len(s.messages) - 1
	return OutcomeAppended
}

// findOptimisticMatch locates the first optimistic user message with the given
// content. Callers must hold the write lock.
func (s *Store) findOptimisticMatch(content string) (int, bool) {
	for i, m := range s.messages {
		if m.Role == RoleUser && IsLocalID(m.ID) && m.Content == content {
			return i, true
		}
	}
	return 0, false
}

// Messages returns a copy of the thread's messages in display order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// HasServerMessages reports whether at least one stored message carries a
// server-assigned id. The optimistic projection uses this as evidence that
// real thread data has arrived.
func (s *Store) HasServerMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if !IsLocalID(m.ID) {
			return true
		}
	}
	return false
}

// Reset drops all messages. Called when the engine switches threads.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]int)
}
