package out

import (
	"context"
	"errors"
	"time"

	"archiver_server/core/domain"
)

// ErrLockHeld is returned by Locker.Acquire when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another run")

// Locker provides mutual exclusion per key across processes.
type Locker interface {
	// Acquire returns a release func on success. The lock expires after ttl
	// if release is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// JobPublisher enqueues archive jobs for the worker.
type JobPublisher interface {
	PublishArchive(ctx context.Context, job *domain.ArchiveJob) error
}

// JobStatusStore tracks the state of queued archive jobs.
type JobStatusStore interface {
	SetStatus(ctx context.Context, status *domain.JobStatus) error
	// GetStatus returns ErrNotFound for unknown or expired jobs.
	GetStatus(ctx context.Context, jobID string) (*domain.JobStatus, error)
}

// StateStore holds OAuth state values between authorize and callback.
type StateStore interface {
	Save(ctx context.Context, state string, ttl time.Duration) error
	// Consume reports whether state was present and removes it.
	Consume(ctx context.Context, state string) (bool, error)
}

// TokenBlacklist records revoked session token ids.
type TokenBlacklist interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
