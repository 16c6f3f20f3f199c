package domain

import (
	"errors"
	"strings"
	"time"
)

// User is one authenticated mailbox owner, keyed by email.
type User struct {
	Email      string          `json:"email" db:"email"`
	Name       string          `json:"name" db:"name"`
	Credential *CredentialBlob `json:"-" db:"-"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	Invoices   []Invoice       `json:"invoices,omitempty" db:"-"`
}

// CredentialBlob is the OAuth token material stored for a user.
type CredentialBlob struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

var ErrInvalidCredential = errors.New("credential has neither access nor refresh token")

// Validate rejects blobs that cannot authorize any request.
func (c *CredentialBlob) Validate() error {
	if c == nil {
		return ErrInvalidCredential
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return ErrInvalidCredential
	}
	return nil
}

// DisplayNameFromEmail returns the local part of email, used as the default
// folder name for new users.
func DisplayNameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
