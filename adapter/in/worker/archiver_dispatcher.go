package worker

import (
	"context"

	"archiver_server/pkg/logger"
)

// Processor runs one pool message.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// DeadLetterer is notified when a message exhausts its retries.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg *Message, err error)
}

type Handler struct {
	archiveProcessor *ArchiveProcessor
}

func NewHandler(archiveProcessor *ArchiveProcessor) *Handler {
	return &Handler{archiveProcessor: archiveProcessor}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobInvoiceArchive:
		return h.archiveProcessor.ProcessArchive(ctx, msg)
	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

func (h *Handler) DeadLetter(ctx context.Context, msg *Message, err error) {
	if msg.Type == JobInvoiceArchive {
		h.archiveProcessor.MarkFailed(ctx, msg, err)
	}
}
