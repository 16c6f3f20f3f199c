package worker

import (
	"context"
	"fmt"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/in"
	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"
)

// ArchiveProcessor runs queued archive jobs and records their status.
type ArchiveProcessor struct {
	archiver in.InvoiceArchiver
	statuses out.JobStatusStore
	now      func() time.Time
}

func NewArchiveProcessor(archiver in.InvoiceArchiver, statuses out.JobStatusStore) *ArchiveProcessor {
	return &ArchiveProcessor{
		archiver: archiver,
		statuses: statuses,
		now:      time.Now,
	}
}

// ProcessArchive returns an error only when the job should be retried: the
// user already has a run in progress or the lock backend is unavailable.
func (p *ArchiveProcessor) ProcessArchive(ctx context.Context, msg *Message) error {
	job, err := ParsePayload[domain.ArchiveJob](msg)
	if err != nil {
		logger.Error("[ArchiveProcessor.ProcessArchive] invalid payload for job %s: %v", msg.ID, err)
		return nil
	}
	if job.ID == "" {
		job.ID = msg.ID
	}

	log := logger.WithFields(map[string]any{
		"job_id":   job.ID,
		"user_key": job.UserKey,
		"period":   fmt.Sprintf("%04d-%02d", job.Year, job.Month),
	})

	p.setStatus(ctx, job, domain.JobRunning, nil, "")

	start := p.now()
	result, err := p.archiver.ArchiveMonth(ctx, job.UserKey, job.Year, job.Month)
	if err != nil {
		if appErr := apperr.AsAppError(err); retryableCode(appErr.Code) {
			log.Warn("[ArchiveProcessor.ProcessArchive] %s, will retry (attempt %d)", appErr.Message, msg.Retries+1)
			p.setStatus(ctx, job, domain.JobQueued, nil, appErr.Message)
			return err
		}
		log.WithError(err).Error("[ArchiveProcessor.ProcessArchive] rejected")
		p.setStatus(ctx, job, domain.JobFailed, nil, err.Error())
		return nil
	}

	log = log.WithDuration(p.now().Sub(start))
	if !result.Success {
		log.Warn("[ArchiveProcessor.ProcessArchive] failed: %s", result.Message)
		p.setStatus(ctx, job, domain.JobFailed, result, result.Message)
		return nil
	}
	log.Info("[ArchiveProcessor.ProcessArchive] archived %d files", result.Count)
	p.setStatus(ctx, job, domain.JobDone, result, "")
	return nil
}

// MarkFailed records the final error of a job that exhausted its retries.
func (p *ArchiveProcessor) MarkFailed(ctx context.Context, msg *Message, cause error) {
	job, err := ParsePayload[domain.ArchiveJob](msg)
	if err != nil {
		return
	}
	if job.ID == "" {
		job.ID = msg.ID
	}
	p.setStatus(ctx, job, domain.JobFailed, nil, cause.Error())
}

func (p *ArchiveProcessor) setStatus(ctx context.Context, job *domain.ArchiveJob, state domain.JobState, result *domain.ArchiveResult, errMsg string) {
	if p.statuses == nil {
		return
	}
	status := &domain.JobStatus{
		ID:        job.ID,
		UserKey:   job.UserKey,
		State:     state,
		Result:    result,
		Error:     errMsg,
		UpdatedAt: p.now().UTC(),
	}
	// Status writes must land even when the job context has expired.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.statuses.SetStatus(sctx, status); err != nil {
		logger.Warn("[ArchiveProcessor.setStatus] job %s -> %s: %v", job.ID, state, err)
	}
}

func retryableCode(code string) bool {
	return code == apperr.CodeRunInProgress || code == apperr.CodeExternalError
}
