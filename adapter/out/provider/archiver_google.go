// Package provider implements the Google mail and storage adapters.
package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/httputil"
	"archiver_server/pkg/logger"
	"archiver_server/pkg/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// =============================================================================
// Auth
// =============================================================================

// GoogleAuth turns stored credentials into authorized HTTP clients. Expired
// access tokens are refreshed through config.
type GoogleAuth struct {
	config *oauth2.Config
	base   *http.Client
}

func NewGoogleAuth(config *oauth2.Config, base *http.Client) *GoogleAuth {
	if base == nil {
		base = httputil.NewClient(nil)
	}
	return &GoogleAuth{config: config, base: base}
}

// Client returns an HTTP client that authorizes requests with cred.
func (g *GoogleAuth) Client(ctx context.Context, cred *domain.CredentialBlob) (*http.Client, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	token := oauthToken(cred)

	var src oauth2.TokenSource
	if g.config != nil {
		// refresh requests go through the pooled client too
		src = g.config.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, g.base), token)
	} else {
		src = oauth2.StaticTokenSource(token)
	}

	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: g.base.Transport},
		Timeout:   g.base.Timeout,
	}, nil
}

func oauthToken(cred *domain.CredentialBlob) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
}

// =============================================================================
// Circuit Breaker
// =============================================================================

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	})
}

// apiCall runs fn behind the breaker and records its latency under
// "<breaker>.<operation>". Client errors do not count as breaker failures.
type apiCall struct {
	cb       *gobreaker.CircuitBreaker
	registry *metrics.Registry
	provider string
}

func (c *apiCall) execute(operation string, fn func() error) (err error) {
	defer c.registry.Observe(c.provider+"."+operation, time.Now(), &err)

	_, err = c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return wrapError(c.provider, nce.err, "request failed")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn("[%sAdapter] circuit breaker rejected %s: state=%s", c.provider, operation, c.cb.State().String())
		return out.NewProviderError(c.provider, out.ProviderErrCircuitOpen, "Service temporarily unavailable", err, false)
	}
	return wrapError(c.provider, err, "request failed")
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// =============================================================================
// Errors
// =============================================================================

func wrapError(provider string, err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return out.NewProviderError(provider, out.ProviderErrTokenExpired, "Token expired", err, false)
		case apiErr.Code == 403:
			if isRateLimitReason(apiErr) {
				return out.NewProviderError(provider, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(provider, out.ProviderErrAuth, "Access denied", err, false)
		case apiErr.Code == 404:
			return out.NewProviderError(provider, out.ProviderErrNotFound, "Not found", err, false)
		case apiErr.Code == 429:
			return out.NewProviderError(provider, out.ProviderErrRateLimit, "Too many requests", err, true)
		case apiErr.Code >= 500:
			return out.NewProviderError(provider, out.ProviderErrServer, "Server error", err, true)
		case apiErr.Code >= 400:
			return out.NewProviderError(provider, out.ProviderErrInvalidInput, "Bad request", err, false)
		}
	}

	var oauthErr *oauth2.RetrieveError
	if errors.As(err, &oauthErr) {
		return out.NewProviderError(provider, out.ProviderErrTokenExpired, "Token refresh failed", err, false)
	}

	return out.NewProviderError(provider, out.ProviderErrNetwork, defaultMsg, err, true)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	if strings.Contains(apiErr.Message, "Rate Limit") {
		return true
	}
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
