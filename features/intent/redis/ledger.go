// Package redis implements intent.Ledger on Redis. Each record is one JSON
// value under a namespaced key with a TTL, so abandoned intents and prompts
// are garbage collected server-side even if the client never clears them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/runlink/intent"
)

type (
	// Options configures the Redis ledger.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
		// Namespace prefixes every key so multiple applications can share one
		// Redis instance. Defaults to "runlink".
		Namespace string
		// IntentTTL is the expiry applied to intent records. It defaults to
		// slightly above the foreign staleness window so Redis collects what
		// the staleness rules would have discarded anyway.
		IntentTTL time.Duration
		// PromptTTL is the expiry applied to optimistic prompt records.
		// Defaults to the replay window.
		PromptTTL time.Duration
	}

	// Ledger implements intent.Ledger on Redis.
	Ledger struct {
		rdb       *goredis.Client
		namespace string
		intentTTL time.Duration
		promptTTL time.Duration
	}
)

// New constructs a Redis-backed ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "runlink"
	}
	intentTTL := opts.IntentTTL
	if intentTTL <= 0 {
		intentTTL = intent.ForeignWindow + time.Minute
	}
	promptTTL := opts.PromptTTL
	if promptTTL <= 0 {
		promptTTL = intent.ReplayWindow
	}
	return &Ledger{
		rdb:       opts.Redis,
		namespace: namespace,
		intentTTL: intentTTL,
		promptTTL: promptTTL,
	}, nil
}

// PutIntent stores the intent under its thread/project key with the intent TTL.
func (l *Ledger) PutIntent(ctx context.Context, it intent.Intent) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := l.rdb.Set(ctx, l.intentKey(it.ThreadID, it.ProjectID), data, l.intentTTL).Err(); err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	return nil
}

// LoadIntent returns the intent for the thread/project pair, if present.
func (l *Ledger) LoadIntent(ctx context.Context, threadID, projectID string) (intent.Intent, bool, error) {
	data, err := l.rdb.Get(ctx, l.intentKey(threadID, projectID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return intent.Intent{}, false, nil
	}
	if err != nil {
		return intent.Intent{}, false, fmt.Errorf("load intent: %w", err)
	}
	var it intent.Intent
	if err := json.Unmarshal(data, &it); err != nil {
		return intent.Intent{}, false, fmt.Errorf("decode intent: %w", err)
	}
	return it, true, nil
}

// ClearIntent removes the intent for the thread/project pair.
func (l *Ledger) ClearIntent(ctx context.Context, threadID, projectID string) error {
	if err := l.rdb.Del(ctx, l.intentKey(threadID, projectID)).Err(); err != nil {
		return fmt.Errorf("clear intent: %w", err)
	}
	return nil
}

// PutPrompt stores the optimistic prompt under its thread key with the prompt TTL.
func (l *Ledger) PutPrompt(ctx context.Context, p intent.Prompt) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	if err := l.rdb.Set(ctx, l.promptKey(p.ThreadID), data, l.promptTTL).Err(); err != nil {
		return fmt.Errorf("store prompt: %w", err)
	}
	return nil
}

// LoadPrompt returns the optimistic prompt for the thread, if present.
func (l *Ledger) LoadPrompt(ctx context.Context, threadID string) (intent.Prompt, bool, error) {
	data, err := l.rdb.Get(ctx, l.promptKey(threadID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return intent.Prompt{}, false, nil
	}
	if err != nil {
		return intent.Prompt{}, false, fmt.Errorf("load prompt: %w", err)
	}
	var p intent.Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return intent.Prompt{}, false, fmt.Errorf("decode prompt: %w", err)
	}
	return p, true, nil
}

// ClearPrompt removes the optimistic prompt for the thread.
func (l *Ledger) ClearPrompt(ctx context.Context, threadID string) error {
	if err := l.rdb.Del(ctx, l.promptKey(threadID)).Err(); err != nil {
		return fmt.Errorf("clear prompt: %w", err)
	}
	return nil
}

func (l *Ledger) intentKey(threadID, projectID string) string {
	return fmt.Sprintf("%s:intent:%s:%s", l.namespace, projectID, threadID)
}

func (l *Ledger) promptKey(threadID string) string {
	return fmt.Sprintf("%s:prompt:%s", l.namespace, threadID)
}
