package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/runlink/intent"
)

func TestIntentRoundTrip(t *testing.T) {
	ledger := New()
	ctx := context.Background()
	it := intent.Intent{ThreadID: "t1", ProjectID: "p1", Prompt: "write a haiku", CreatedAt: time.Now()}
	require.NoError(t, ledger.PutIntent(ctx, it))

	loaded, ok, err := ledger.LoadIntent(ctx, "t1", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, it.Prompt, loaded.Prompt)

	_, ok, err = ledger.LoadIntent(ctx, "t1", "other")
	require.NoError(t, err)
	require.False(t, ok, "intents are scoped to the exact thread/project pair")

	require.NoError(t, ledger.ClearIntent(ctx, "t1", "p1"))
	_, ok, err = ledger.LoadIntent(ctx, "t1", "p1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPromptRoundTrip(t *testing.T) {
	ledger := New()
	ctx := context.Background()
	require.NoError(t, ledger.PutPrompt(ctx, intent.Prompt{ThreadID: "t1", Text: "hello"}))

	p, ok, err := ledger.LoadPrompt(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", p.Text)

	require.NoError(t, ledger.ClearPrompt(ctx, "t1"))
	_, ok, err = ledger.LoadPrompt(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearMissingIsNoError(t *testing.T) {
	ledger := New()
	require.NoError(t, ledger.ClearIntent(context.Background(), "t1", "p1"))
	require.NoError(t, ledger.ClearPrompt(context.Background(), "t1"))
}
