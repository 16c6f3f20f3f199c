package http

import (
	"time"

	"archiver_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// Fiber locals written by the session middleware.
const (
	localUserEmail = "user_email"
	localRequestID = "request_id"
)

// Sessions issues and revokes login sessions.
type Sessions interface {
	IssueSession(email string) (token string, expiresAt time.Time, err error)
	RevokeSession(c *fiber.Ctx) error
}

// GetUserEmail returns the authenticated mailbox owner.
func GetUserEmail(c *fiber.Ctx) (string, error) {
	email, ok := c.Locals(localUserEmail).(string)
	if !ok || email == "" {
		return "", apperr.Unauthorized("")
	}
	return email, nil
}

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// APIError represents a standard API error
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SuccessResponse sends a standardized JSON success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	return StatusResponse(c, fiber.StatusOK, data)
}

// StatusResponse sends a success envelope with a non-default status.
func StatusResponse(c *fiber.Ctx, status int, data any) error {
	requestID, _ := c.Locals(localRequestID).(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Pagination Helpers
// =============================================================================

// PaginationParams holds common pagination parameters
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams extracts pagination params from query
func GetPaginationParams(c *fiber.Ctx, defaultLimit int) PaginationParams {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > 100 {
		limit = 100
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// ListResponse represents a paginated list response
type ListResponse struct {
	Data    any  `json:"data"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// NewListResponse creates a list response with has_more calculation
func NewListResponse(data any, total int, p PaginationParams) ListResponse {
	return ListResponse{
		Data:    data,
		Total:   total,
		HasMore: p.Offset+p.Limit < total,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
}
