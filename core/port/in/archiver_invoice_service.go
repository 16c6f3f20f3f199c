package in

import (
	"context"
	"time"

	"archiver_server/core/domain"
)

// InvoiceArchiver is the pipeline exposed to the HTTP layer and the worker.
type InvoiceArchiver interface {
	// ArchiveMonth archives the invoice attachments of one calendar month.
	// Pipeline failures are reported in the result; the error is reserved for
	// invalid input and a run already in progress for the user.
	ArchiveMonth(ctx context.Context, userKey string, year, month int) (*domain.ArchiveResult, error)

	// Preview lists candidate messages without uploading. Zero bounds mean the
	// trailing 30 days.
	Preview(ctx context.Context, userKey string, from, to time.Time) (*domain.PreviewResult, error)
}
