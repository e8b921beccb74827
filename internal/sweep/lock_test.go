package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	first, ok, err := l.TryLock(ctx, JobExpireOffers, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, JobExpireOffers, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, JobMarkOverdue, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per job")

	require.NoError(t, first.Release(ctx))
	_, ok, err = l.TryLock(ctx, JobExpireOffers, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.clock = func() time.Time { return now }

	stale, ok, err := l.TryLock(ctx, JobPurgeAuditRows, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = l.TryLock(ctx, JobPurgeAuditRows, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")

	// Releasing the stale handle must not free the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	_, ok, err = l.TryLock(ctx, JobPurgeAuditRows, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLocker(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	a := NewRedisLocker(client, "")
	b := NewRedisLocker(client, "")

	held, ok, err := a.TryLock(ctx, JobMarkOverdue, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, JobMarkOverdue, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "another instance must not take a held lock")

	ttl, err := client.PTTL(ctx, defaultLockPrefix+JobMarkOverdue).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, held.Release(ctx))
	again, ok, err := b.TryLock(ctx, JobMarkOverdue, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release from the first holder leaves the new lock in place.
	require.NoError(t, held.Release(ctx))
	exists, err := client.Exists(ctx, defaultLockPrefix+JobMarkOverdue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	require.NoError(t, again.Release(ctx))
}
