package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Fiber locals set by RequireSession.
const (
	LocalUserEmail = "user_email"
	LocalSession   = "session"
)

// SessionCookie is the cookie the OAuth callback sets.
const SessionCookie = "archiver_session"

const sessionIssuer = "invoice-archiver"

// SessionClaims identifies a logged-in mailbox owner. Subject is the email.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Email returns the session owner.
func (s *SessionClaims) Email() string { return s.Subject }

// Remaining returns how long the session stays valid after now.
func (s *SessionClaims) Remaining(now time.Time) time.Duration {
	if s.ExpiresAt == nil {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	secret    []byte
	ttl       time.Duration
	blacklist out.TokenBlacklist
	now       func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration, blacklist out.TokenBlacklist) *SessionManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{
		secret:    []byte(secret),
		ttl:       ttl,
		blacklist: blacklist,
		now:       time.Now,
	}
}

// Issue signs a session token for email.
func (m *SessionManager) Issue(email string) (string, *SessionClaims, error) {
	if len(m.secret) == 0 {
		return "", nil, errors.New("session secret not configured")
	}
	now := m.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   email,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return token, claims, nil
}

// Parse verifies tokenString and returns its claims. Revocation is not
// checked here.
func (m *SessionManager) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(time.Minute),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// RequireSession authenticates the request from the Authorization bearer
// token or the session cookie.
func (m *SessionManager) RequireSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			tokenString = c.Cookies(SessionCookie)
		}
		if tokenString == "" {
			return apperr.Unauthorized("missing session")
		}

		claims, err := m.Parse(tokenString)
		if err != nil {
			logger.WithError(err).Warn("[Session] validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.New(apperr.CodeTokenExpired, "session expired", fiber.StatusUnauthorized)
			}
			return apperr.InvalidToken("invalid session")
		}

		if m.blacklist != nil && claims.ID != "" {
			revoked, err := m.blacklist.IsRevoked(c.UserContext(), claims.ID)
			if err != nil {
				return apperr.ExternalError("session store", err)
			}
			if revoked {
				return apperr.New(apperr.CodeTokenRevoked, "session has been revoked", fiber.StatusUnauthorized)
			}
		}

		c.Locals(LocalUserEmail, claims.Email())
		c.Locals(LocalSession, claims)
		c.SetUserContext(logger.ContextWithUser(c.UserContext(), claims.Email()))
		return c.Next()
	}
}

// IssueSession signs a token for email and returns it with its expiry.
func (m *SessionManager) IssueSession(email string) (string, time.Time, error) {
	token, claims, err := m.Issue(email)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

// RevokeSession blacklists the session authenticated by RequireSession until
// it would have expired anyway.
func (m *SessionManager) RevokeSession(c *fiber.Ctx) error {
	claims, ok := c.Locals(LocalSession).(*SessionClaims)
	if !ok || m.blacklist == nil || claims.ID == "" {
		return nil
	}
	return m.blacklist.Revoke(c.UserContext(), claims.ID, claims.Remaining(m.now()))
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
