package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/cache"
)

// JobStatusKeyPrefix Redis key prefix for archive job status
const JobStatusKeyPrefix = "invoice:job:"

// RedisJobStatusStore keeps job status as JSON with a TTL.
type RedisJobStatusStore struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

func NewRedisJobStatusStore(c *cache.RedisCache, ttl time.Duration) *RedisJobStatusStore {
	return &RedisJobStatusStore{cache: c, ttl: ttl}
}

func (s *RedisJobStatusStore) SetStatus(ctx context.Context, status *domain.JobStatus) error {
	if err := s.cache.SetJSON(ctx, status.ID, status, s.ttl); err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

func (s *RedisJobStatusStore) GetStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	var status domain.JobStatus
	found, err := s.cache.GetJSON(ctx, jobID, &status)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &status, nil
}

// MemoryJobStatusStore keeps job status in process, for API and worker
// running together without Redis.
type MemoryJobStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]memoryStatus
	ttl      time.Duration
	now      func() time.Time
}

type memoryStatus struct {
	status  domain.JobStatus
	expires time.Time
}

func NewMemoryJobStatusStore(ttl time.Duration) *MemoryJobStatusStore {
	return &MemoryJobStatusStore{statuses: make(map[string]memoryStatus), ttl: ttl, now: time.Now}
}

func (s *MemoryJobStatusStore) SetStatus(ctx context.Context, status *domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, st := range s.statuses {
		if now.After(st.expires) {
			delete(s.statuses, id)
		}
	}
	s.statuses[status.ID] = memoryStatus{status: *status, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryJobStatusStore) GetStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[jobID]
	if !ok || s.now().After(st.expires) {
		return nil, ErrNotFound
	}
	status := st.status
	return &status, nil
}

var (
	_ out.JobStatusStore = (*RedisJobStatusStore)(nil)
	_ out.JobStatusStore = (*MemoryJobStatusStore)(nil)
)
