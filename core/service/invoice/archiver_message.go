package invoice

import (
	"context"
	"errors"
	"fmt"
	"os"

	"archiver_server/core/domain"
	"archiver_server/pkg/resilience"
)

var errNoPayload = errors.New("message has no payload")

// processMessage handles one candidate. A returned error means the message
// was skipped; upload failures of single attachments are absorbed here.
func (r *archiveRun) processMessage(ctx context.Context, messageID string) error {
	s := r.svc

	msg, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*domain.Message, error) {
		return r.mail.GetMessage(ctx, messageID)
	})
	if err != nil {
		return domain.NewArchiveError(domain.KindMessageProcessing, "gmail.get", err)
	}

	meta := ExtractMetadata(msg, s.now)
	if meta == nil {
		return domain.NewArchiveError(domain.KindMessageProcessing, "metadata", errNoPayload)
	}
	if !meta.HasAttachments {
		return nil
	}

	atts, truncated := ExtractAttachments(msg, s.cfg.MaxPartDepth)
	if truncated {
		r.log.WithField("message_id", messageID).Warn("[InvoiceService.ArchiveMonth] MIME tree deeper than %d levels, nested parts ignored", s.cfg.MaxPartDepth)
	}
	if len(atts) == 0 {
		return nil
	}

	if r.guard.Seen(meta.MessageID) {
		// Re-uploaded, but no second Invoice is recorded.
		r.log.WithField("message_id", messageID).Info("[InvoiceService.ArchiveMonth] message already archived, uploading without recording")
	}

	for _, att := range atts {
		if err := r.processAttachment(ctx, meta, att); err != nil {
			if kind, _ := domain.KindOf(err); kind == domain.KindUpload {
				r.log.WithError(err).WithFields(map[string]any{
					"message_id": messageID,
					"filename":   att.Filename,
				}).Warn("[InvoiceService.ArchiveMonth] attachment upload failed, continuing")
				continue
			}
			return err
		}
	}
	return nil
}

// processAttachment downloads, uploads and records one attachment.
func (r *archiveRun) processAttachment(ctx context.Context, meta *domain.MessageMetadata, att domain.AttachmentDescriptor) error {
	s := r.svc

	data, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		return r.mail.GetAttachment(ctx, meta.MessageID, att.ID)
	})
	if err != nil {
		return domain.NewArchiveError(domain.KindMessageProcessing, "gmail.attachment", err)
	}

	path, err := r.writeTemp(att.Filename, data)
	if err != nil {
		return domain.NewArchiveError(domain.KindMessageProcessing, "tempfile", err)
	}
	defer os.Remove(path)

	name := meta.Date.Format("20060102") + "_" + att.Filename
	uploaded, err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*domain.ArchivedFile, error) {
		f, err := r.storage.Upload(ctx, path, r.folder.FolderID, name, att.MimeType, r.folder.DriveID)
		if err != nil {
			return nil, err
		}
		return &domain.ArchivedFile{Name: name, Link: f.Link}, nil
	})
	if err != nil {
		return domain.NewArchiveError(domain.KindUpload, "drive.upload", err)
	}

	if !r.guard.Seen(meta.MessageID) {
		inv := &domain.Invoice{
			MessageID:  meta.MessageID,
			Filename:   name,
			Sender:     meta.Sender,
			Subject:    meta.Subject,
			ReceivedAt: meta.Date,
			DriveLink:  uploaded.Link,
		}
		if err := s.users.AppendInvoice(ctx, r.userKey, inv); err != nil {
			// The file is in Drive; only the local record is missing.
			r.log.WithError(domain.NewArchiveError(domain.KindMessageProcessing, "record", err)).
				WithField("message_id", meta.MessageID).
				Error("[InvoiceService.ArchiveMonth] failed to record invoice")
		} else {
			r.guard.Mark(meta.MessageID)
		}
	}

	r.result.Count++
	r.result.Files = append(r.result.Files, *uploaded)
	r.log.Info("[InvoiceService.ArchiveMonth] archived %s", name)
	return nil
}

// writeTemp stores data under the run's temp dir with a unique name.
func (r *archiveRun) writeTemp(filename string, data []byte) (string, error) {
	f, err := os.CreateTemp(r.tempDir, "*_"+safeFilename(filename))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}
