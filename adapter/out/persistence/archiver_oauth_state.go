package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"archiver_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// OAuthStateKey Redis key prefix for OAuth state
const OAuthStateKey = "oauth:state:"

// RedisOAuthStateStore keeps OAuth state values in Redis for CSRF protection.
type RedisOAuthStateStore struct {
	client *redis.Client
}

func NewRedisOAuthStateStore(client *redis.Client) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client}
}

func (s *RedisOAuthStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if err := s.client.Set(ctx, OAuthStateKey+state, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return nil
}

// Consume uses GETDEL so a state can be used once.
func (s *RedisOAuthStateStore) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	_, err := s.client.GetDel(ctx, OAuthStateKey+state).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to validate OAuth state: %w", err)
	}
	return true, nil
}

// MemoryStateStore is the single-process StateStore used without Redis.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(ttl)
	return nil
}

func (s *MemoryStateStore) Consume(ctx context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)
	return !s.now().After(exp), nil
}

var (
	_ out.StateStore = (*RedisOAuthStateStore)(nil)
	_ out.StateStore = (*MemoryStateStore)(nil)
)
