package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledRejectsEnqueue(t *testing.T) {
	s := Disabled()
	_, err := s.Enqueue(context.Background(), "th-1", "hello", nil)
	require.ErrorIs(t, err, ErrQueueingDisabled)

	msgs, err := s.List(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, ok, err := s.Pop(context.Background(), "th-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := InMemory()
	first, err := s.Enqueue(ctx, "th-1", "first", nil)
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, "th-1", "second", []string{"file-1"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	assert.Less(t, first.Position, second.Position)

	msgs, err := s.List(ctx, "th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, []string{"file-1"}, msgs[1].FileIDs)
}

func TestInMemoryQueuesAreThreadScoped(t *testing.T) {
	ctx := context.Background()
	s := InMemory()
	_, err := s.Enqueue(ctx, "th-1", "for one", nil)
	require.NoError(t, err)

	msgs, err := s.List(ctx, "th-2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInMemoryRemove(t *testing.T) {
	ctx := context.Background()
	s := InMemory()
	keep, err := s.Enqueue(ctx, "th-1", "keep", nil)
	require.NoError(t, err)
	drop, err := s.Enqueue(ctx, "th-1", "drop", nil)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "th-1", drop.ID))
	require.NoError(t, s.Remove(ctx, "th-1", "absent")) // removal is idempotent

	msgs, err := s.List(ctx, "th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, keep.ID, msgs[0].ID)
}

func TestInMemoryPopDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	s := InMemory()
	_, err := s.Enqueue(ctx, "th-1", "first", nil)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "th-1", "second", nil)
	require.NoError(t, err)

	msg, ok, err := s.Pop(ctx, "th-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", msg.Text)

	msg, ok, err = s.Pop(ctx, "th-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", msg.Text)

	_, ok, err = s.Pop(ctx, "th-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
