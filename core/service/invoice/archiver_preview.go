package invoice

import (
	"context"
	"errors"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"
	"archiver_server/pkg/resilience"
)

// Preview implements in.InvoiceArchiver. Unlike ArchiveMonth it surfaces
// provider errors to the caller instead of degrading.
func (s *Service) Preview(ctx context.Context, userKey string, from, to time.Time) (*domain.PreviewResult, error) {
	if userKey == "" {
		return nil, apperr.MissingField("user")
	}
	if from.IsZero() && to.IsZero() {
		from, to = TrailingRange(s.now(), DefaultLookback)
	}
	if !to.After(from) {
		return nil, apperr.InvalidInput("to", "must be after from")
	}

	ctx = logger.ContextWithUser(ctx, userKey)
	log := logger.WithContext(ctx)

	cred, err := s.users.LoadCredential(ctx, userKey)
	if err == nil {
		err = cred.Validate()
	}
	if err != nil {
		if errors.Is(err, out.ErrNotFound) || errors.Is(err, domain.ErrInvalidCredential) {
			return nil, apperr.NotFound("user credentials")
		}
		return nil, apperr.DatabaseError("load credential", err)
	}

	recorded, err := s.users.ArchivedMessageIDs(ctx, userKey)
	if err != nil {
		return nil, apperr.DatabaseError("load invoices", err)
	}
	guard := NewDuplicateGuard(recorded)

	client, err := s.mail.NewMailClient(ctx, cred)
	if err != nil {
		return nil, apperr.ExternalError("gmail", err)
	}

	query := BuildQuery(from, to)
	ids, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return client.ListMessageIDs(ctx, query, s.cfg.MaxResults)
	})
	if err != nil {
		return nil, apperr.ExternalError("gmail", err)
	}

	result := &domain.PreviewResult{
		From:       from,
		To:         to,
		Query:      query,
		Candidates: make([]domain.Candidate, 0, len(ids)),
	}
	for _, id := range ids {
		msg, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*domain.Message, error) {
			return client.GetMessage(ctx, id)
		})
		if err != nil {
			log.WithError(err).WithField("message_id", id).Warn("[InvoiceService.Preview] failed to fetch message")
			continue
		}
		meta := ExtractMetadata(msg, s.now)
		if meta == nil {
			continue
		}
		atts, _ := ExtractAttachments(msg, s.cfg.MaxPartDepth)
		if atts == nil {
			atts = []domain.AttachmentDescriptor{}
		}
		result.Candidates = append(result.Candidates, domain.Candidate{
			Metadata:    *meta,
			Attachments: atts,
			Archived:    guard.Seen(meta.MessageID),
		})
	}

	return result, nil
}
