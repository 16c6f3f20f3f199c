package http

import (
	"context"
	"errors"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/in"
	"archiver_server/core/port/out"
	"archiver_server/core/service/invoice"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// dashboardInvoices is the number of recent invoices shown by /me.
const dashboardInvoices = 10

type InvoiceHandler struct {
	archiver  in.InvoiceArchiver
	users     out.UserRepository
	publisher out.JobPublisher
	statuses  out.JobStatusStore
	// timeout bounds synchronous archive requests; zero means none
	timeout time.Duration
	now     func() time.Time
}

func NewInvoiceHandler(archiver in.InvoiceArchiver, users out.UserRepository, publisher out.JobPublisher, statuses out.JobStatusStore) *InvoiceHandler {
	return &InvoiceHandler{
		archiver:  archiver,
		users:     users,
		publisher: publisher,
		statuses:  statuses,
		now:       time.Now,
	}
}

// WithTimeout bounds synchronous archive runs.
func (h *InvoiceHandler) WithTimeout(d time.Duration) *InvoiceHandler {
	h.timeout = d
	return h
}

// Register mounts the invoice routes on an authenticated router.
func (h *InvoiceHandler) Register(router fiber.Router, archiveLimit fiber.Handler) {
	router.Get("/me", h.Me)

	invoices := router.Group("/invoices")
	invoices.Get("/", h.List)
	invoices.Get("/preview", h.Preview)
	invoices.Get("/jobs/:id", h.GetJob)
	if archiveLimit != nil {
		invoices.Post("/archive", archiveLimit, h.Archive)
	} else {
		invoices.Post("/archive", h.Archive)
	}
}

// ArchiveRequest selects the month to archive. Zero values mean the current
// UTC month.
type ArchiveRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Archive runs ArchiveMonth for the session user. With ?async=true the run is
// queued and 202 with the job id is returned.
func (h *InvoiceHandler) Archive(c *fiber.Ctx) error {
	email, err := GetUserEmail(c)
	if err != nil {
		return err
	}

	var req ArchiveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}
	now := h.now().UTC()
	if req.Year == 0 {
		req.Year = now.Year()
	}
	if req.Month == 0 {
		req.Month = int(now.Month())
	}

	if c.QueryBool("async", false) {
		return h.enqueue(c, email, req)
	}

	ctx := c.UserContext()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	result, err := h.archiver.ArchiveMonth(ctx, email, req.Year, req.Month)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

func (h *InvoiceHandler) enqueue(c *fiber.Ctx, email string, req ArchiveRequest) error {
	if h.publisher == nil {
		return apperr.QueueError(errors.New("no job queue configured"))
	}
	// Rejected here since the client only sees the job outcome later.
	if err := invoice.ValidatePeriod(req.Year, req.Month); err != nil {
		return err
	}

	ctx := c.UserContext()
	job := &domain.ArchiveJob{
		ID:          uuid.New().String(),
		UserKey:     email,
		Year:        req.Year,
		Month:       req.Month,
		RequestedAt: h.now().UTC(),
	}
	if h.statuses != nil {
		err := h.statuses.SetStatus(ctx, &domain.JobStatus{
			ID:        job.ID,
			UserKey:   email,
			State:     domain.JobQueued,
			UpdatedAt: job.RequestedAt,
		})
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[InvoiceHandler.Archive] failed to record job %s", job.ID)
		}
	}
	if err := h.publisher.PublishArchive(ctx, job); err != nil {
		return apperr.QueueError(err)
	}
	return StatusResponse(c, fiber.StatusAccepted, fiber.Map{"job_id": job.ID})
}

// GetJob returns the status of one of the user's queued archive runs.
func (h *InvoiceHandler) GetJob(c *fiber.Ctx) error {
	email, err := GetUserEmail(c)
	if err != nil {
		return err
	}
	if h.statuses == nil {
		return apperr.NotFound("job")
	}

	status, err := h.statuses.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("job")
		}
		return apperr.ExternalError("job status", err)
	}
	if status.UserKey != email {
		return apperr.NotFound("job")
	}
	return SuccessResponse(c, status)
}

// List returns the user's invoice records, newest first.
func (h *InvoiceHandler) List(c *fiber.Ctx) error {
	email, err := GetUserEmail(c)
	if err != nil {
		return err
	}
	page := GetPaginationParams(c, 50)
	ctx := c.UserContext()

	invoices, err := h.users.ListInvoices(ctx, email, page.Limit, page.Offset)
	if err != nil {
		return apperr.DatabaseError("list invoices", err)
	}
	total, err := h.users.CountInvoices(ctx, email)
	if err != nil {
		return apperr.DatabaseError("count invoices", err)
	}
	return SuccessResponse(c, NewListResponse(invoices, total, page))
}

// Preview lists candidate messages of ?year&month, or of the trailing 30
// days when both are absent.
func (h *InvoiceHandler) Preview(c *fiber.Ctx) error {
	email, err := GetUserEmail(c)
	if err != nil {
		return err
	}

	var from, to time.Time
	year, month := c.QueryInt("year", 0), c.QueryInt("month", 0)
	if year != 0 || month != 0 {
		if err := invoice.ValidatePeriod(year, month); err != nil {
			return err
		}
		from = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 1, 0)
	}

	result, err := h.archiver.Preview(c.UserContext(), email, from, to)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// Me returns the dashboard data of the session user.
func (h *InvoiceHandler) Me(c *fiber.Ctx) error {
	email, err := GetUserEmail(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	user, err := h.users.GetUser(ctx, email)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("user")
		}
		return apperr.DatabaseError("get user", err)
	}
	count, err := h.users.CountInvoices(ctx, email)
	if err != nil {
		return apperr.DatabaseError("count invoices", err)
	}
	recent, err := h.users.ListInvoices(ctx, email, dashboardInvoices, 0)
	if err != nil {
		return apperr.DatabaseError("list invoices", err)
	}
	user.Invoices = recent

	return SuccessResponse(c, fiber.Map{
		"user":          user,
		"invoice_count": count,
	})
}
