package invoice

import (
	"testing"
	"time"

	"archiver_server/core/domain"
)

func headersMessage(headers ...domain.Header) *domain.Message {
	return &domain.Message{ID: "m1", Payload: &domain.MessagePart{Headers: headers}}
}

func TestExtractMetadataNoPayload(t *testing.T) {
	now := func() time.Time { return fixedNow }
	if got := ExtractMetadata(&domain.Message{ID: "m1"}, now); got != nil {
		t.Errorf("got %+v, want nil", got)
	}
	if got := ExtractMetadata(nil, now); got != nil {
		t.Errorf("nil message: got %+v, want nil", got)
	}
}

func TestExtractMetadata(t *testing.T) {
	now := func() time.Time { return fixedNow }

	tests := []struct {
		name        string
		msg         *domain.Message
		subject     string
		sender      string
		senderEmail string
		date        time.Time
		hasAtt      bool
	}{
		{
			name: "display name with address",
			msg: headersMessage(
				domain.Header{Name: "Subject", Value: "Your invoice"},
				domain.Header{Name: "From", Value: "ACME Billing <billing@acme.test>"},
				domain.Header{Name: "Date", Value: "Tue, 5 Mar 2024 10:15:00 +0000"},
			),
			subject:     "Your invoice",
			sender:      "ACME Billing <billing@acme.test>",
			senderEmail: "billing@acme.test",
			date:        time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "bare address kept verbatim",
			msg: headersMessage(
				domain.Header{Name: "From", Value: "billing@acme.test"},
				domain.Header{Name: "Date", Value: "Tue, 5 Mar 2024 10:15:00 +0000"},
			),
			sender:      "billing@acme.test",
			senderEmail: "billing@acme.test",
			date:        time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "first duplicate header wins",
			msg: headersMessage(
				domain.Header{Name: "Subject", Value: "first"},
				domain.Header{Name: "Subject", Value: "second"},
				domain.Header{Name: "Date", Value: "Tue, 5 Mar 2024 10:15:00 +0000"},
			),
			subject: "first",
			date:    time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "header names are case sensitive",
			msg: headersMessage(
				domain.Header{Name: "subject", Value: "lower"},
				domain.Header{Name: "FROM", Value: "x@y.test"},
			),
			date: fixedNow,
		},
		{
			name: "malformed date falls back to now",
			msg: headersMessage(
				domain.Header{Name: "Date", Value: "yesterday-ish"},
			),
			date: fixedNow,
		},
		{
			name: "parts mean attachments",
			msg: &domain.Message{ID: "m1", Payload: &domain.MessagePart{
				Parts: []*domain.MessagePart{htmlPart()},
			}},
			date:   fixedNow,
			hasAtt: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMetadata(tt.msg, now)
			if got == nil {
				t.Fatal("got nil metadata")
			}
			if got.MessageID != "m1" {
				t.Errorf("MessageID = %q", got.MessageID)
			}
			if got.Subject != tt.subject {
				t.Errorf("Subject = %q, want %q", got.Subject, tt.subject)
			}
			if got.Sender != tt.sender {
				t.Errorf("Sender = %q, want %q", got.Sender, tt.sender)
			}
			if got.SenderEmail != tt.senderEmail {
				t.Errorf("SenderEmail = %q, want %q", got.SenderEmail, tt.senderEmail)
			}
			if !got.Date.Equal(tt.date) {
				t.Errorf("Date = %v, want %v", got.Date, tt.date)
			}
			if got.HasAttachments != tt.hasAtt {
				t.Errorf("HasAttachments = %v, want %v", got.HasAttachments, tt.hasAtt)
			}
		})
	}
}
