//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	first := NewRedisLocker(client, RedisLockConfig{RetryDelay: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond})
	second := NewRedisLocker(client, RedisLockConfig{RetryDelay: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond})

	unlock, err := first.Lock(ctx, "sub-1")
	require.NoError(t, err)

	_, err = second.Lock(ctx, "sub-1")
	assert.True(t, IsLocked(err))

	other, err := second.Lock(ctx, "sub-2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := second.Lock(ctx, "sub-1")
	require.NoError(t, err)

	// A stale unlock from the first holder must not free the second holder's lock.
	unlock()
	exists, err := client.Exists(ctx, "diagnostics:lock:sub-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
	again()
}
