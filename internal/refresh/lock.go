package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another refresh holds the run lock.
var ErrLocked = errors.New("another refresh run holds the lock")

// ErrLockLost is returned by Extend when the lock expired and was taken by
// someone else, or was released.
var ErrLockLost = errors.New("refresh lock lost")

// DefaultLockKey is the Redis key of the run lock.
const DefaultLockKey = "ziplisten:refresh:lock"

// Lease is a held lock.
type Lease interface {
	// Extend pushes the expiry to ttl from now, or returns ErrLockLost.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lock back. Releasing a lock that expired and was
	// taken by someone else is a no-op.
	Release(ctx context.Context) error
}

// Lock serializes refresh runs.
type Lock interface {
	// Acquire takes the lock for at most ttl, or returns ErrLocked.
	Acquire(ctx context.Context, ttl time.Duration) (Lease, error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a single-instance Redis lock shared by every process that
// points at the same Redis.
type RedisLock struct {
	client *redis.Client
	key    string
}

// NewRedisLock creates a lock on key. An empty key uses DefaultLockKey.
func NewRedisLock(client *redis.Client, key string) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLock{client: client, key: key}
}

func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{lock: l, token: token}, nil
}

type redisLease struct {
	lock  *RedisLock
	token string
}

func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.lock.client, []string{r.lock.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.lock.client, []string{r.lock.key}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release refresh lock: %w", err)
	}
	return nil
}

// MemoryLock is an in-process lock used when Redis is not configured.
type MemoryLock struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryLock creates an in-process lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{now: time.Now}
}

func (l *MemoryLock) Acquire(ctx context.Context, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.token != "" && now.Before(l.expiresAt) {
		return nil, ErrLocked
	}

	token := uuid.NewString()
	l.token = token
	l.expiresAt = now.Add(ttl)
	return &memoryLease{lock: l, token: token}, nil
}

type memoryLease struct {
	lock  *MemoryLock
	token string
}

func (m *memoryLease) Extend(ctx context.Context, ttl time.Duration) error {
	l := m.lock
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.token != m.token || !now.Before(l.expiresAt) {
		return ErrLockLost
	}
	l.expiresAt = now.Add(ttl)
	return nil
}

func (m *memoryLease) Release(context.Context) error {
	l := m.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == m.token {
		l.token = ""
	}
	return nil
}

// keepAlive extends lease every ttl/3 until ctx is done. When the lease is
// lost, onLost is called once and renewal stops. Failed extensions that are
// not ErrLockLost are retried on the next tick.
func keepAlive(ctx context.Context, lease Lease, ttl time.Duration, onLost func(error), onError func(error)) {
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Extend(ctx, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				onLost(err)
				return
			case ctx.Err() != nil:
				return
			default:
				onError(err)
			}
		}
	}
}
