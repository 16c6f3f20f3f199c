package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"

	"golang.org/x/oauth2"
)

type fakeExchanger struct {
	token *oauth2.Token
	err   error
	codes []string
}

func (f *fakeExchanger) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return (&oauth2.Config{ClientID: "cid", Endpoint: oauth2.Endpoint{AuthURL: "https://auth.test/o"}}).AuthCodeURL(state, opts...)
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	f.codes = append(f.codes, code)
	return f.token, f.err
}

type fakeStore struct {
	users map[string]*domain.User
}

func (f *fakeStore) LoadCredential(ctx context.Context, userKey string) (*domain.CredentialBlob, error) {
	u, ok := f.users[userKey]
	if !ok {
		return nil, out.ErrNotFound
	}
	return u.Credential, nil
}

func (f *fakeStore) SaveCredential(ctx context.Context, userKey, name string, cred *domain.CredentialBlob) (*domain.User, error) {
	u, ok := f.users[userKey]
	if !ok {
		u = &domain.User{Email: userKey, Name: name}
		f.users[userKey] = u
	}
	u.Credential = cred
	return u, nil
}

type fakeMail struct {
	email    string
	err      error
	lastCred *domain.CredentialBlob
}

func (f *fakeMail) NewMailClient(ctx context.Context, cred *domain.CredentialBlob) (out.MailClient, error) {
	f.lastCred = cred
	return f, nil
}

func (f *fakeMail) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	return nil, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeMail) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}

func (f *fakeMail) ProfileEmail(ctx context.Context) (string, error) {
	return f.email, f.err
}

func newTestService(ex *fakeExchanger, mail *fakeMail) (*OAuthService, *fakeStore) {
	store := &fakeStore{users: map[string]*domain.User{}}
	s := NewOAuthService(nil, store, mail)
	s.exchange = ex
	s.scopes = []string{"gmail.readonly", "drive"}
	return s, store
}

func TestGetAuthURL(t *testing.T) {
	s, _ := newTestService(&fakeExchanger{}, &fakeMail{})
	raw := s.GetAuthURL("state-123")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q", q.Get("access_type"))
	}
	if q.Get("prompt") != "consent" {
		t.Errorf("prompt = %q", q.Get("prompt"))
	}
}

func TestNotConfigured(t *testing.T) {
	s := NewOAuthService(nil, &fakeStore{}, &fakeMail{})
	if s.GetAuthURL("x") != "" {
		t.Error("expected empty url")
	}
	if _, err := s.HandleCallback(context.Background(), "code"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestHandleCallbackCreatesUser(t *testing.T) {
	expiry := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	ex := &fakeExchanger{token: &oauth2.Token{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Expiry: expiry}}
	mail := &fakeMail{email: " Jane.Doe@Example.com "}
	s, store := newTestService(ex, mail)

	user, err := s.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if user.Email != "jane.doe@example.com" || user.Name != "jane.doe" {
		t.Errorf("user = %+v", user)
	}
	if len(ex.codes) != 1 || ex.codes[0] != "auth-code" {
		t.Errorf("codes = %v", ex.codes)
	}
	cred := store.users["jane.doe@example.com"].Credential
	if cred.RefreshToken != "rt" || !cred.Expiry.Equal(expiry) || len(cred.Scopes) != 2 {
		t.Errorf("stored credential = %+v", cred)
	}
	if mail.lastCred.AccessToken != "at" {
		t.Error("profile lookup did not use the new credential")
	}
}

func TestHandleCallbackKeepsExistingName(t *testing.T) {
	ex := &fakeExchanger{token: &oauth2.Token{AccessToken: "new"}}
	s, store := newTestService(ex, &fakeMail{email: "jane@example.com"})
	store.users["jane@example.com"] = &domain.User{Email: "jane@example.com", Name: "Jane Doe"}

	user, err := s.HandleCallback(context.Background(), "code")
	if err != nil {
		t.Fatal(err)
	}
	if user.Name != "Jane Doe" || user.Credential.AccessToken != "new" {
		t.Errorf("user = %+v", user)
	}
}

func TestHandleCallbackErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		ex   *fakeExchanger
		mail *fakeMail
		want string
	}{
		{"empty code", "", &fakeExchanger{}, &fakeMail{}, "missing authorization code"},
		{"exchange fails", "c", &fakeExchanger{err: errors.New("invalid_grant")}, &fakeMail{}, "exchange"},
		{"empty token", "c", &fakeExchanger{token: &oauth2.Token{}}, &fakeMail{}, "neither"},
		{"profile fails", "c", &fakeExchanger{token: &oauth2.Token{AccessToken: "a"}}, &fakeMail{err: errors.New("403")}, "email"},
		{"empty email", "c", &fakeExchanger{token: &oauth2.Token{AccessToken: "a"}}, &fakeMail{}, "no email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestService(tt.ex, tt.mail)
			_, err := s.HandleCallback(context.Background(), tt.code)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
			if len(store.users) != 0 {
				t.Error("user stored on failure")
			}
		})
	}
}

func TestCredentialFromToken(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Unix(1700000000, 0)}
	scopes := []string{"drive"}
	cred := CredentialFromToken(tok, scopes)
	if cred.AccessToken != "a" || cred.RefreshToken != "r" || cred.TokenType != "Bearer" || !cred.Expiry.Equal(tok.Expiry) {
		t.Errorf("cred = %+v", cred)
	}
	scopes[0] = "changed"
	if cred.Scopes[0] != "drive" {
		t.Error("scopes slice is shared with the caller")
	}
	if CredentialFromToken(nil, nil) != nil {
		t.Error("nil token should map to nil")
	}
}
