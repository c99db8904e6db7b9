package rmap

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/runlink/hint"
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

func TestAnnounceAndLookup(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	reg, err := Join(ctx, Options{Redis: testRedisClient, MapName: "it:hints:announce"})
	require.NoError(t, err)
	defer reg.Close()

	runID, err := reg.RunIDForThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Empty(t, runID)

	require.NoError(t, reg.Announce(ctx, "th-1", "run-1"))
	require.Eventually(t, func() bool {
		runID, err := reg.RunIDForThread(ctx, "th-1")
		return err == nil && runID == "run-1"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, reg.Withdraw(ctx, "th-1"))
	require.Eventually(t, func() bool {
		runID, err := reg.RunIDForThread(ctx, "th-1")
		return err == nil && runID == ""
	}, 5*time.Second, 20*time.Millisecond)
}

// An announcement made through one joined registry becomes visible to another
// client polling its own replica.
func TestAnnouncementReplicatesAcrossClients(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	backend, err := Join(ctx, Options{Redis: testRedisClient, MapName: "it:hints:replicate"})
	require.NoError(t, err)
	defer backend.Close()
	client, err := Join(ctx, Options{Redis: testRedisClient, MapName: "it:hints:replicate"})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, backend.Announce(ctx, "th-2", "run-2"))

	poller, err := hint.NewPoller(hint.PollerOptions{
		Registry: client,
		Attempts: 50,
		Interval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	runID, err := poller.Poll(ctx, "th-2")
	require.NoError(t, err)
	assert.Equal(t, "run-2", runID)
}

func TestJoinRequiresRedis(t *testing.T) {
	_, err := Join(context.Background(), Options{})
	require.Error(t, err)
}
