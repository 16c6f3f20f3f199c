package persistence

import (
	"context"
	"sync"
	"time"

	"archiver_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// RevokedTokenKey Redis key prefix for revoked session ids
const RevokedTokenKey = "session:revoked:"

type RedisTokenBlacklist struct {
	client *redis.Client
}

func NewRedisTokenBlacklist(client *redis.Client) *RedisTokenBlacklist {
	return &RedisTokenBlacklist{client: client}
}

func (b *RedisTokenBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, RevokedTokenKey+jti, "1", ttl).Err()
}

func (b *RedisTokenBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, RevokedTokenKey+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type MemoryTokenBlacklist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewMemoryTokenBlacklist() *MemoryTokenBlacklist {
	return &MemoryTokenBlacklist{revoked: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryTokenBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, exp := range b.revoked {
		if now.After(exp) {
			delete(b.revoked, id)
		}
	}
	b.revoked[jti] = now.Add(ttl)
	return nil
}

func (b *MemoryTokenBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.revoked[jti]
	return ok && b.now().Before(exp), nil
}

var (
	_ out.TokenBlacklist = (*RedisTokenBlacklist)(nil)
	_ out.TokenBlacklist = (*MemoryTokenBlacklist)(nil)
)
