package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"archiver_server/core/domain"
	"archiver_server/core/port/in"
	"archiver_server/core/port/out"
	"archiver_server/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNotConfigured is returned when no Google client is configured.
var ErrNotConfigured = errors.New("google oauth not configured")

// tokenExchanger is the part of *oauth2.Config the service uses.
type tokenExchanger interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

type OAuthService struct {
	users    out.CredentialStore
	mail     out.MailProvider
	exchange tokenExchanger
	scopes   []string
}

var _ in.OAuthService = (*OAuthService)(nil)

// NewGoogleConfig builds the OAuth client config for the Google endpoint.
func NewGoogleConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
}

func NewOAuthService(googleConfig *oauth2.Config, users out.CredentialStore, mail out.MailProvider) *OAuthService {
	s := &OAuthService{users: users, mail: mail}
	if googleConfig != nil && googleConfig.ClientID != "" {
		s.exchange = googleConfig
		s.scopes = googleConfig.Scopes
	}
	return s
}

// GetAuthURL asks for offline access and forces the consent screen so a
// refresh token is issued on every login.
func (s *OAuthService) GetAuthURL(state string) string {
	if s.exchange == nil {
		return ""
	}
	return s.exchange.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *OAuthService) HandleCallback(ctx context.Context, code string) (*domain.User, error) {
	if s.exchange == nil {
		return nil, ErrNotConfigured
	}
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	token, err := s.exchange.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	cred := CredentialFromToken(token, s.scopes)
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	client, err := s.mail.NewMailClient(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to build mail client: %w", err)
	}
	email, err := client.ProfileEmail(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("mail profile has no email address")
	}
	logger.Info("[OAuthService.HandleCallback] authorized %s", email)

	user, err := s.users.SaveCredential(ctx, email, domain.DisplayNameFromEmail(email), cred)
	if err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	return user, nil
}

// CredentialFromToken converts an OAuth token into the stored credential form.
func CredentialFromToken(token *oauth2.Token, scopes []string) *domain.CredentialBlob {
	if token == nil {
		return nil
	}
	return &domain.CredentialBlob{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Scopes:       append([]string(nil), scopes...),
	}
}
