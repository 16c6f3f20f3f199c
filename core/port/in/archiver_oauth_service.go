package in

import (
	"context"

	"archiver_server/core/domain"
)

type OAuthService interface {
	// GetAuthURL returns the Google consent URL for state.
	GetAuthURL(state string) string

	// HandleCallback exchanges code, identifies the mailbox owner and stores
	// the credential, creating the user on first login.
	HandleCallback(ctx context.Context, code string) (*domain.User, error)
}
