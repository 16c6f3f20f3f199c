package invoice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/in"
	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"
	"archiver_server/pkg/resilience"
	"archiver_server/pkg/snowflake"
)

// User-facing messages of terminal failures.
const (
	MsgCredentialsNotFound = "User credentials not found."
	MsgGmailBuildFailed    = "Failed to build Gmail service."
	MsgDriveBuildFailed    = "Failed to build Drive service."
	MsgFolderFailed        = "Failed to create folder structure in Google Drive."
	MsgTempDirFailed       = "Failed to prepare temporary storage."
)

// Config tunes the archive pipeline.
type Config struct {
	MaxResults    int
	MaxPartDepth  int
	TempDir       string
	SharedDriveID string
	LockTTL       time.Duration
	Retry         resilience.Policy
}

// Service runs the invoice discovery-and-archival pipeline.
type Service struct {
	users   out.UserRepository
	mail    out.MailProvider
	storage out.StorageProvider
	locker  out.Locker
	ids     *snowflake.Generator
	cfg     Config
	now     func() time.Time
}

var _ in.InvoiceArchiver = (*Service)(nil)

func NewService(
	users out.UserRepository,
	mail out.MailProvider,
	storage out.StorageProvider,
	locker out.Locker,
	ids *snowflake.Generator,
	cfg Config,
) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.MaxPartDepth <= 0 {
		cfg.MaxPartDepth = DefaultMaxPartDepth
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultPolicy()
	}
	return &Service{
		users:   users,
		mail:    mail,
		storage: storage,
		locker:  locker,
		ids:     ids,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ValidatePeriod checks a requested (year, month).
func ValidatePeriod(year, month int) error {
	if month < 1 || month > 12 {
		return apperr.InvalidInput("month", "must be between 1 and 12")
	}
	if year < 1970 || year > 9999 {
		return apperr.InvalidInput("year", "must be between 1970 and 9999")
	}
	return nil
}

// LockKey is the Locker key serializing runs of one user.
func LockKey(userKey string) string {
	return "archive:lock:" + userKey
}

// ArchiveMonth implements in.InvoiceArchiver.
func (s *Service) ArchiveMonth(ctx context.Context, userKey string, year, month int) (*domain.ArchiveResult, error) {
	if userKey == "" {
		return nil, apperr.MissingField("user")
	}
	if err := ValidatePeriod(year, month); err != nil {
		return nil, err
	}

	runID := s.ids.NextString()
	ctx = logger.ContextWithRunID(logger.ContextWithUser(ctx, userKey), runID)
	log := logger.WithContext(ctx)

	release, err := s.locker.Acquire(ctx, LockKey(userKey), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, out.ErrLockHeld) {
			log.Warn("[InvoiceService.ArchiveMonth] run already in progress")
			return nil, apperr.RunInProgress(userKey)
		}
		return nil, apperr.ExternalError("lock", err)
	}
	defer release()

	start := time.Now()
	log.Info("[InvoiceService.ArchiveMonth] archiving %04d-%02d", year, month)

	run := &archiveRun{
		svc:     s,
		userKey: userKey,
		year:    year,
		month:   time.Month(month),
		runID:   runID,
		log:     log,
	}
	result := run.execute(ctx)

	log.WithDuration(time.Since(start)).WithFields(map[string]any{
		"success": result.Success,
		"count":   result.Count,
		"skipped": result.Skipped,
	}).Info("[InvoiceService.ArchiveMonth] %s", result.Message)

	return result, nil
}

// archiveRun is the state of one ArchiveMonth call.
type archiveRun struct {
	svc     *Service
	userKey string
	year    int
	month   time.Month
	runID   string
	log     *logger.Logger

	user    *domain.User
	mail    out.MailClient
	storage out.StorageClient
	guard   *DuplicateGuard
	folder  *domain.FolderResolution
	tempDir string
	result  *domain.ArchiveResult
}

func (r *archiveRun) fail(kind domain.ErrorKind, message string, err error) *domain.ArchiveResult {
	r.log.WithError(err).WithField("kind", string(kind)).Error("[InvoiceService.ArchiveMonth] %s", message)
	return &domain.ArchiveResult{
		RunID:     r.runID,
		Success:   false,
		Message:   message,
		Files:     []domain.ArchivedFile{},
		ErrorKind: kind,
	}
}

func (r *archiveRun) execute(ctx context.Context) *domain.ArchiveResult {
	s := r.svc

	// Idle -> CredentialsResolved
	cred, err := s.users.LoadCredential(ctx, r.userKey)
	if err == nil {
		err = cred.Validate()
	}
	if err == nil {
		r.user, err = s.users.GetUser(ctx, r.userKey)
	}
	var recorded map[string]struct{}
	if err == nil {
		recorded, err = s.users.ArchivedMessageIDs(ctx, r.userKey)
	}
	if err != nil {
		return r.fail(domain.KindCredential, MsgCredentialsNotFound, err)
	}
	r.guard = NewDuplicateGuard(recorded)

	// CredentialsResolved -> ServicesBuilt
	if r.mail, err = s.mail.NewMailClient(ctx, cred); err != nil {
		return r.fail(domain.KindServiceConstruction, MsgGmailBuildFailed, err)
	}
	if r.storage, err = s.storage.NewStorageClient(ctx, cred); err != nil {
		return r.fail(domain.KindServiceConstruction, MsgDriveBuildFailed, err)
	}

	// ServicesBuilt -> Queried
	label := monthLabel(r.year, r.month)
	from, to := MonthRange(r.year, r.month)
	query := BuildQuery(from, to)
	ids, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return r.mail.ListMessageIDs(ctx, query, s.cfg.MaxResults)
	})
	if err != nil {
		// A failed search is reported as an empty month.
		r.log.WithError(domain.NewArchiveError(domain.KindQuery, "gmail.list", err)).
			Warn("[InvoiceService.ArchiveMonth] message search failed, treating as no results")
		ids = nil
	}

	if len(ids) == 0 {
		return &domain.ArchiveResult{
			RunID:   r.runID,
			Success: true,
			Message: fmt.Sprintf("No invoice emails found for %s.", label),
			Count:   0,
			Files:   []domain.ArchivedFile{},
		}
	}
	r.log.Info("[InvoiceService.ArchiveMonth] found %d candidate messages for %s", len(ids), label)

	// Queried -> FolderResolved
	resolver := NewFolderResolver(r.storage, s.cfg.SharedDriveID, s.cfg.Retry)
	if r.folder, err = resolver.Resolve(ctx, r.year, r.month, r.user.Name); err != nil {
		return r.fail(domain.KindFolderResolution, MsgFolderFailed, err)
	}

	if r.tempDir, err = os.MkdirTemp(s.cfg.TempDir, "invoice-run-"+r.runID+"-"); err != nil {
		return r.fail(domain.KindMessageProcessing, MsgTempDirFailed, err)
	}
	defer func() {
		if err := os.RemoveAll(r.tempDir); err != nil {
			r.log.WithError(err).Warn("[InvoiceService.ArchiveMonth] failed to remove %s", r.tempDir)
		}
	}()

	r.result = &domain.ArchiveResult{
		RunID:   r.runID,
		Success: true,
		Files:   []domain.ArchivedFile{},
	}

	// PerMessage
	for _, id := range ids {
		if ctx.Err() != nil {
			r.log.WithError(ctx.Err()).Warn("[InvoiceService.ArchiveMonth] run cancelled, stopping before message %s", id)
			break
		}
		if err := r.processMessage(ctx, id); err != nil {
			r.result.Skipped++
			r.log.WithError(err).WithField("message_id", id).Warn("[InvoiceService.ArchiveMonth] message skipped")
		}
	}

	// Aggregated
	link, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) (string, error) {
		return r.storage.FolderLink(ctx, r.folder.FolderID, r.folder.DriveID)
	})
	if err != nil {
		r.log.WithError(domain.NewArchiveError(domain.KindLinkLookup, "drive.get", err)).
			Warn("[InvoiceService.ArchiveMonth] folder link lookup failed")
	} else if link != "" {
		r.result.FolderLink = &link
	}

	r.result.Message = fmt.Sprintf("Successfully processed %d invoices for %s.", r.result.Count, label)
	return r.result
}
