package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/metrics"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailAdapter implements out.MailProvider.
type GmailAdapter struct {
	auth *GoogleAuth
	call *apiCall
}

func NewGmailAdapter(auth *GoogleAuth, registry *metrics.Registry) *GmailAdapter {
	if registry == nil {
		registry = metrics.Global()
	}
	return &GmailAdapter{
		auth: auth,
		call: &apiCall{cb: newCircuitBreaker("gmail-api"), registry: registry, provider: "gmail"},
	}
}

func (a *GmailAdapter) NewMailClient(ctx context.Context, cred *domain.CredentialBlob) (out.MailClient, error) {
	httpClient, err := a.auth.Client(ctx, cred)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &gmailClient{svc: svc, call: a.call}, nil
}

type gmailClient struct {
	svc  *gmail.Service
	call *apiCall
}

func (c *gmailClient) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	var resp *gmail.ListMessagesResponse
	err := c.call.execute("list", func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Messages.List("me").Q(query).MaxResults(int64(max)).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

func (c *gmailClient) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg *gmail.Message
	err := c.call.execute("get", func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

func (c *gmailClient) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := c.call.execute("attachment", func() error {
		var apiErr error
		body, apiErr = c.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return decodeAttachment(body.Data)
}

func (c *gmailClient) ProfileEmail(ctx context.Context) (string, error) {
	var profile *gmail.Profile
	err := c.call.execute("profile", func() error {
		var apiErr error
		profile, apiErr = c.svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

// decodeAttachment accepts URL-safe base64 with or without padding.
func decodeAttachment(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return b, nil
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *domain.Message {
	if msg == nil {
		return nil
	}
	return &domain.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Payload:  convertPart(msg.Payload),
	}
}

func convertPart(p *gmail.MessagePart) *domain.MessagePart {
	if p == nil {
		return nil
	}
	part := &domain.MessagePart{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		if h == nil {
			continue
		}
		part.Headers = append(part.Headers, domain.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			part.Parts = append(part.Parts, c)
		}
	}
	return part
}

var _ out.MailProvider = (*GmailAdapter)(nil)
