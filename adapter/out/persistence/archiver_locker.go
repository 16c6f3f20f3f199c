package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"archiver_server/core/port/out"
	"archiver_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements out.Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, out.ErrLockHeld
	}

	return func() {
		// the caller's ctx may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			logger.Warn("[RedisLocker] failed to release %s: %v", key, err)
		}
	}, nil
}

// MemoryLocker is the single-process Locker used without Redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	count uint64
}

type lease struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]lease), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && (cur.expires.IsZero() || now.Before(cur.expires)) {
		return nil, out.ErrLockHeld
	}

	l.count++
	mine := lease{id: l.count}
	if ttl > 0 {
		mine.expires = now.Add(ttl)
	}
	l.held[key] = mine

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.id == mine.id {
				delete(l.held, key)
			}
		})
	}, nil
}

var (
	_ out.Locker = (*RedisLocker)(nil)
	_ out.Locker = (*MemoryLocker)(nil)
)
