package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		email      TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		credential TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		user_email  TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
		id          TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		message_id  TEXT NOT NULL,
		filename    TEXT NOT NULL,
		sender      TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		drive_link  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (user_email, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_user_seq ON invoices (user_email, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_user_message ON invoices (user_email, message_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		email      TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		credential TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		user_email  TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
		id          TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		message_id  TEXT NOT NULL,
		filename    TEXT NOT NULL,
		sender      TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL,
		drive_link  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_email, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_user_seq ON invoices (user_email, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_user_message ON invoices (user_email, message_id)`,
}

// Migrate creates the tables for the db's driver. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema := sqliteSchema
	if isPostgres(db) {
		schema = postgresSchema
	}
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func isPostgres(db *sqlx.DB) bool {
	switch db.DriverName() {
	case "pgx", "postgres", "postgresql":
		return true
	}
	return false
}
