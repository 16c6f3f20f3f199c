package http

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"archiver_server/core/port/in"
	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// OAuthStateTTL state 유효 시간 (10분)
const OAuthStateTTL = 10 * time.Minute

// SessionCookie must match the cookie the session middleware reads.
const SessionCookie = "archiver_session"

// StateCookie binds an OAuth state to the browser that started the login.
const StateCookie = "archiver_oauth_state"

type OAuthHandler struct {
	oauthService in.OAuthService
	stateStore   out.StateStore
	sessions     Sessions
	// frontendURL receives the browser after login; empty returns JSON.
	frontendURL  string
	secureCookie bool
}

func NewOAuthHandler(oauthService in.OAuthService, stateStore out.StateStore, sessions Sessions, frontendURL string, secureCookie bool) *OAuthHandler {
	return &OAuthHandler{
		oauthService: oauthService,
		stateStore:   stateStore,
		sessions:     sessions,
		frontendURL:  frontendURL,
		secureCookie: secureCookie,
	}
}

// generateSecureState returns 32 random bytes, hex encoded.
func generateSecureState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure state: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (h *OAuthHandler) Register(app fiber.Router) {
	oauth := app.Group("/oauth")
	oauth.Get("/authorize", h.Authorize)
	oauth.Get("/callback", h.Callback)
}

// Authorize redirects to the Google consent screen. ?format=json returns the
// URL instead.
func (h *OAuthHandler) Authorize(c *fiber.Ctx) error {
	state, err := generateSecureState()
	if err != nil {
		return apperr.InternalWithError(err)
	}

	authURL := h.oauthService.GetAuthURL(state)
	if authURL == "" {
		return apperr.ConfigError("google oauth is not configured")
	}

	if err := h.stateStore.Save(c.UserContext(), state, OAuthStateTTL); err != nil {
		return apperr.ExternalError("state store", err)
	}
	logger.WithContext(c.UserContext()).Debug("[OAuth Authorize] state stored with TTL %v", OAuthStateTTL)

	c.Cookie(&fiber.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/oauth",
		MaxAge:   int(OAuthStateTTL.Seconds()),
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	if c.Query("format") == "json" {
		return SuccessResponse(c, fiber.Map{"auth_url": authURL, "state": state})
	}
	return c.Redirect(authURL, fiber.StatusFound)
}

func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	ctx := c.UserContext()
	log := logger.WithContext(ctx)

	if errParam := c.Query("error"); errParam != "" {
		log.Warn("[OAuth Callback] Error from provider: %s - %s", errParam, c.Query("error_description"))
		return apperr.OAuthFailed("google", errors.New(errParam))
	}

	state := c.Query("state")
	if state == "" {
		return apperr.StateMismatch()
	}
	// A state issued to another browser is rejected before it is consumed.
	bound := c.Cookies(StateCookie)
	if subtle.ConstantTimeCompare([]byte(bound), []byte(state)) != 1 {
		log.Warn("[OAuth Callback] state does not match the browser's state cookie")
		return apperr.StateMismatch()
	}
	h.clearStateCookie(c)

	ok, err := h.stateStore.Consume(ctx, state)
	if err != nil {
		return apperr.ExternalError("state store", err)
	}
	if !ok {
		log.Warn("[OAuth Callback] unknown or expired state")
		return apperr.StateMismatch()
	}

	code := c.Query("code")
	if code == "" {
		return apperr.MissingField("code")
	}

	user, err := h.oauthService.HandleCallback(ctx, code)
	if err != nil {
		log.WithError(err).Error("[OAuth Callback] HandleCallback failed")
		return apperr.OAuthFailed("google", err)
	}

	token, expiresAt, err := h.sessions.IssueSession(user.Email)
	if err != nil {
		return apperr.InternalWithError(err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	log.Info("[OAuth Callback] %s signed in", user.Email)

	if h.frontendURL != "" {
		return c.Redirect(h.frontendURL, fiber.StatusFound)
	}
	return SuccessResponse(c, fiber.Map{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user":       user,
	})
}

func (h *OAuthHandler) clearStateCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     StateCookie,
		Value:    "",
		Path:     "/oauth",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// Logout revokes the current session and clears the cookie.
func (h *OAuthHandler) Logout(c *fiber.Ctx) error {
	if err := h.sessions.RevokeSession(c); err != nil {
		return apperr.ExternalError("session store", err)
	}
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return SuccessResponse(c, fiber.Map{"logged_out": true})
}
