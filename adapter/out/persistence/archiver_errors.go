package persistence

import (
	"errors"
	"strings"

	"archiver_server/core/port/out"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common persistence errors
var (
	ErrNotFound  = out.ErrNotFound
	ErrDuplicate = errors.New("duplicate entry")
)

// isUniqueViolation recognizes unique-key errors of both supported drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
