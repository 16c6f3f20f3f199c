package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/logger"
)

// =============================================================================
// MonthlyScheduler - 전월 인보이스 자동 아카이브
// =============================================================================
//
// On the configured day of each month it enqueues an archive job for the
// previous month for every user with a stored credential. A lock per user and
// month keeps several worker processes from enqueueing the same job twice.

type MonthlyScheduler struct {
	users     out.UserRepository
	publisher out.JobPublisher
	statuses  out.JobStatusStore
	locker    out.Locker

	day           int
	checkInterval time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMonthlyScheduler creates a scheduler that fires on day (1-28).
func NewMonthlyScheduler(
	users out.UserRepository,
	publisher out.JobPublisher,
	statuses out.JobStatusStore,
	locker out.Locker,
	day int,
) *MonthlyScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &MonthlyScheduler{
		users:         users,
		publisher:     publisher,
		statuses:      statuses,
		locker:        locker,
		day:           day,
		checkInterval: time.Hour,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the scheduler.
func (s *MonthlyScheduler) Start() {
	logger.Info("[MonthlyScheduler] Starting, runs on day %d, check interval %v", s.day, s.checkInterval)
	go s.run()
}

// Stop stops the scheduler.
func (s *MonthlyScheduler) Stop() {
	logger.Info("[MonthlyScheduler] Stopping...")
	s.cancel()
}

func (s *MonthlyScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[MonthlyScheduler] Stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *MonthlyScheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		logger.Error("[MonthlyScheduler] %v", err)
	}
}

// RunOnce enqueues the previous month for every user not enqueued yet, once
// today is on or after the scheduled day. It returns the number of jobs
// published.
func (s *MonthlyScheduler) RunOnce(ctx context.Context) (int, error) {
	today := s.now()
	if today.Day() < s.day {
		return 0, nil
	}
	year, month := previousMonth(today)
	period := fmt.Sprintf("%04d-%02d", year, month)

	keys, err := s.users.ListUserKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	published := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			logger.Warn("[MonthlyScheduler] stopped enqueueing %s after %d users: %v", period, published, err)
			break
		}
		ok, err := s.enqueue(ctx, key, year, month, today)
		if err != nil {
			logger.Error("[MonthlyScheduler] failed to enqueue %s for %s: %v", period, key, err)
			continue
		}
		if ok {
			published++
		}
	}

	logger.Info("[MonthlyScheduler] enqueued %s for %d/%d users", period, published, len(keys))
	return published, nil
}

// enqueue publishes one user's job unless it was already published for the
// month. The per-user month lock is held until it expires once the publish
// succeeded, and released otherwise so a later tick retries the user.
func (s *MonthlyScheduler) enqueue(ctx context.Context, key string, year, month int, today time.Time) (bool, error) {
	release := func() {}
	if s.locker != nil {
		r, err := s.locker.Acquire(ctx, fmt.Sprintf("archive:schedule:%04d-%02d:%s", year, month, key), 32*24*time.Hour)
		if err != nil {
			if errors.Is(err, out.ErrLockHeld) {
				return false, nil
			}
			return false, fmt.Errorf("schedule lock: %w", err)
		}
		release = r
	}

	job := &domain.ArchiveJob{
		ID:          uuid.New().String(),
		UserKey:     key,
		Year:        year,
		Month:       month,
		RequestedAt: today.UTC(),
	}
	if s.statuses != nil {
		err := s.statuses.SetStatus(ctx, &domain.JobStatus{
			ID:        job.ID,
			UserKey:   key,
			State:     domain.JobQueued,
			UpdatedAt: job.RequestedAt,
		})
		if err != nil {
			logger.WithError(err).Warn("[MonthlyScheduler] failed to record job %s", job.ID)
		}
	}
	if err := s.publisher.PublishArchive(ctx, job); err != nil {
		release()
		return false, err
	}
	return true, nil
}

// previousMonth returns the calendar month before t.
func previousMonth(t time.Time) (int, int) {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	prev := first.AddDate(0, -1, 0)
	return prev.Year(), int(prev.Month())
}
