package thread

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestNoDuplicateUserMessageProperty verifies that for any prompt content, an
// optimistic user message followed by a server echo with identical content
// collapses into a single entry carrying the server id, regardless of how many
// unrelated messages were interleaved before the echo.
func TestNoDuplicateUserMessageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("echo adopts optimistic entry", prop.ForAll(
		func(content string, interleaved int) bool {
			store := NewStore()
			store.Upsert(Message{ID: NewLocalID(), Role: RoleUser, Content: content})
			for i := 0; i < interleaved; i++ {
				store.Upsert(Message{ID: fmt.Sprintf("srv-a%d", i), Role: RoleAssistant, Content: "..."})
			}
			out := store.Upsert(Message{ID: "srv-echo", Role: RoleUser, Content: content})
			if out != OutcomeAdopted {
				return false
			}
			count := 0
			for _, m := range store.Messages() {
				if m.Role == RoleUser && m.Content == content {
					if m.ID != "srv-echo" {
						return false
					}
					count++
				}
			}
			return count == 1
		},
		gen.AnyString(),
		gen.IntRange(0, 8),
	))

	properties.Property("upsert is idempotent per id", prop.ForAll(
		func(id string, content string) bool {
			store := NewStore()
			store.Upsert(Message{ID: id, Role: RoleAssistant, Content: content})
			store.Upsert(Message{ID: id, Role: RoleAssistant, Content: content})
			return store.Len() == 1
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
