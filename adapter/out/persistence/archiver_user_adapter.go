package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/crypto"

	"github.com/jmoiron/sqlx"
)

// UserAdapter implements out.UserRepository on Postgres or SQLite.
// Credentials are stored encrypted.
type UserAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
	now func() time.Time
}

func NewUserAdapter(db *sqlx.DB, enc *crypto.Encryptor) *UserAdapter {
	return &UserAdapter{db: db, enc: enc, now: time.Now}
}

type userRow struct {
	Email      string         `db:"email"`
	Name       string         `db:"name"`
	Credential sql.NullString `db:"credential"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

const invoiceColumns = `user_email, id, message_id, filename, sender, subject, received_at, drive_link, created_at`

// =============================================================================
// Credentials
// =============================================================================

func (a *UserAdapter) LoadCredential(ctx context.Context, userKey string) (*domain.CredentialBlob, error) {
	var blob sql.NullString
	query := a.db.Rebind(`SELECT credential FROM users WHERE email = ?`)
	if err := a.db.GetContext(ctx, &blob, query, userKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if !blob.Valid || blob.String == "" {
		return nil, ErrNotFound
	}

	var cred domain.CredentialBlob
	if err := a.enc.DecryptJSON(blob.String, &cred); err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return &cred, nil
}

func (a *UserAdapter) SaveCredential(ctx context.Context, userKey, name string, cred *domain.CredentialBlob) (*domain.User, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	blob, err := a.enc.EncryptJSON(cred)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	now := a.now().UTC()
	query := a.db.Rebind(`
		INSERT INTO users (email, name, credential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET credential = excluded.credential, updated_at = excluded.updated_at`)
	if _, err := a.db.ExecContext(ctx, query, userKey, name, blob, now, now); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}

	user, err := a.GetUser(ctx, userKey)
	if err != nil {
		return nil, err
	}
	user.Credential = cred
	return user, nil
}

// =============================================================================
// Users
// =============================================================================

// GetUser returns the user without its credential.
func (a *UserAdapter) GetUser(ctx context.Context, userKey string) (*domain.User, error) {
	var row userRow
	query := a.db.Rebind(`SELECT email, name, credential, created_at, updated_at FROM users WHERE email = ?`)
	if err := a.db.GetContext(ctx, &row, query, userKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &domain.User{
		Email:     row.Email,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// ListUserKeys returns the users that have a stored credential.
func (a *UserAdapter) ListUserKeys(ctx context.Context) ([]string, error) {
	var keys []string
	query := `SELECT email FROM users WHERE credential IS NOT NULL AND credential <> '' ORDER BY email`
	if err := a.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return keys, nil
}

// =============================================================================
// Invoices
// =============================================================================

// ListInvoices returns the newest invoices first.
func (a *UserAdapter) ListInvoices(ctx context.Context, userKey string, limit, offset int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	invoices := []domain.Invoice{}
	query := a.db.Rebind(`SELECT ` + invoiceColumns + ` FROM invoices WHERE user_email = ? ORDER BY seq DESC LIMIT ? OFFSET ?`)
	if err := a.db.SelectContext(ctx, &invoices, query, userKey, limit, offset); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

func (a *UserAdapter) CountInvoices(ctx context.Context, userKey string) (int, error) {
	var n int
	query := a.db.Rebind(`SELECT COUNT(*) FROM invoices WHERE user_email = ?`)
	if err := a.db.GetContext(ctx, &n, query, userKey); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return n, nil
}

func (a *UserAdapter) ArchivedMessageIDs(ctx context.Context, userKey string) (map[string]struct{}, error) {
	var ids []string
	query := a.db.Rebind(`SELECT DISTINCT message_id FROM invoices WHERE user_email = ?`)
	if err := a.db.SelectContext(ctx, &ids, query, userKey); err != nil {
		return nil, fmt.Errorf("archived message ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// AppendInvoice counts, inserts and bumps the user's updated_at inside one
// transaction. On Postgres the user row is locked first; SQLite runs on a
// single connection.
func (a *UserAdapter) AppendInvoice(ctx context.Context, userKey string, inv *domain.Invoice) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	lock := `SELECT email FROM users WHERE email = ?`
	if isPostgres(a.db) {
		lock += ` FOR UPDATE`
	}
	var email string
	if err := tx.GetContext(ctx, &email, tx.Rebind(lock), userKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock user: %w", err)
	}

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM invoices WHERE user_email = ?`), userKey); err != nil {
		return fmt.Errorf("count invoices: %w", err)
	}

	now := a.now().UTC()
	inv.ID = domain.NewInvoiceID(now, count)
	inv.UserEmail = userKey
	inv.CreatedAt = now

	insert := tx.Rebind(`INSERT INTO invoices (` + invoiceColumns + `, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		inv.UserEmail, inv.ID, inv.MessageID, inv.Filename, inv.Sender, inv.Subject,
		inv.ReceivedAt.UTC(), inv.DriveLink, inv.CreatedAt, count,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert invoice %s: %w", inv.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET updated_at = ? WHERE email = ?`), now, userKey); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var _ out.UserRepository = (*UserAdapter)(nil)
