package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a held job lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named, expiring locks so that one job runs on at most one
// instance at a time. TryLock never blocks: ok is false when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (lock Lock, ok bool, err error)
}

// ── Redis ────────────────────────────────────────────────────────────────────

const defaultLockPrefix = "land-office:sweep:"

// releaseScript deletes the key only if it still carries our token, so an
// expired lock re-taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = defaultLockPrefix
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, bool, error) {
	key := l.keyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: key, token: token}, true, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// ── In-process ───────────────────────────────────────────────────────────────

// MemoryLocker implements Locker within one process. Used when Redis is disabled.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), clock: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[name] = memoryHold{token: token, expires: now.Add(ttl)}
	return &memoryLock{locker: l, name: name, token: token}, true, nil
}

type memoryLock struct {
	locker *MemoryLocker
	name   string
	token  string
}

func (l *memoryLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if h, ok := l.locker.held[l.name]; ok && h.token == l.token {
		delete(l.locker.held, l.name)
	}
	return nil
}
