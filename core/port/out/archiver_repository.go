package out

import (
	"context"
	"errors"

	"archiver_server/core/domain"
)

// ErrNotFound is returned by repositories when the key does not exist.
var ErrNotFound = errors.New("not found")

// CredentialStore persists the OAuth credential of each user.
type CredentialStore interface {
	// LoadCredential returns ErrNotFound when the user or credential is absent.
	LoadCredential(ctx context.Context, userKey string) (*domain.CredentialBlob, error)
	// SaveCredential creates the user with name when new, otherwise replaces
	// the credential and keeps the existing name.
	SaveCredential(ctx context.Context, userKey, name string, cred *domain.CredentialBlob) (*domain.User, error)
}

// UserRepository is the user and invoice store.
type UserRepository interface {
	CredentialStore

	GetUser(ctx context.Context, userKey string) (*domain.User, error)
	ListUserKeys(ctx context.Context) ([]string, error)

	ListInvoices(ctx context.Context, userKey string, limit, offset int) ([]domain.Invoice, error)
	CountInvoices(ctx context.Context, userKey string) (int, error)
	// ArchivedMessageIDs returns the source message ids already recorded for the user.
	ArchivedMessageIDs(ctx context.Context, userKey string) (map[string]struct{}, error)
	// AppendInvoice assigns inv.ID from the user's invoice count and inserts
	// it atomically with respect to other appends for the same user.
	AppendInvoice(ctx context.Context, userKey string, inv *domain.Invoice) error
}
