package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/runlink/intent"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func requireRedis(t *testing.T) {
	t.Helper()
	if skipIntegration {
		t.Skip("redis container not available")
	}
}

func TestIntentRoundTrip(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	ledger, err := New(Options{Redis: testRedisClient, Namespace: "runlink-test"})
	require.NoError(t, err)

	it := intent.Intent{
		ThreadID:  "t1",
		ProjectID: "p1",
		Prompt:    "write a haiku",
		FileIDs:   []string{"f1"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, ledger.PutIntent(ctx, it))

	loaded, ok, err := ledger.LoadIntent(ctx, "t1", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, it, loaded)

	_, ok, err = ledger.LoadIntent(ctx, "t1", "p2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ledger.ClearIntent(ctx, "t1", "p1"))
	_, ok, err = ledger.LoadIntent(ctx, "t1", "p1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIntentExpiry(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	ledger, err := New(Options{
		Redis:     testRedisClient,
		Namespace: "runlink-ttl",
		IntentTTL: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, ledger.PutIntent(ctx, intent.Intent{ThreadID: "t1", ProjectID: "p1", CreatedAt: time.Now()}))
	require.Eventually(t, func() bool {
		_, ok, err := ledger.LoadIntent(ctx, "t1", "p1")
		return err == nil && !ok
	}, 2*time.Second, 50*time.Millisecond, "intent should expire via TTL")
}

func TestPromptRoundTrip(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	ledger, err := New(Options{Redis: testRedisClient, Namespace: "runlink-prompt"})
	require.NoError(t, err)

	p := intent.Prompt{ThreadID: "t1", Text: "hello", CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, ledger.PutPrompt(ctx, p))

	loaded, ok, err := ledger.LoadPrompt(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, loaded)

	require.NoError(t, ledger.ClearPrompt(ctx, "t1"))
	_, ok, err = ledger.LoadPrompt(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)
}
