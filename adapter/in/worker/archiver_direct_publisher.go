package worker

import (
	"context"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
)

// DirectPublisher hands archive jobs straight to an in-process pool. It is
// used when no Redis stream is configured.
type DirectPublisher struct {
	pool *Pool
}

func NewDirectPublisher(pool *Pool) *DirectPublisher {
	return &DirectPublisher{pool: pool}
}

func (d *DirectPublisher) PublishArchive(ctx context.Context, job *domain.ArchiveJob) error {
	msg, err := NewArchiveMessage(job)
	if err != nil {
		return err
	}
	return d.pool.Submit(msg)
}

var _ out.JobPublisher = (*DirectPublisher)(nil)
