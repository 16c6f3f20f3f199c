package invoice

import (
	"net/mail"
	"regexp"
	"time"

	"archiver_server/core/domain"
)

var angleAddress = regexp.MustCompile(`<(.+?)>`)

// ExtractMetadata reads subject, sender and date from the payload headers.
// It returns nil when the message has no payload. Header names match exactly
// and the first occurrence wins. An unparsable or missing Date yields now().
func ExtractMetadata(msg *domain.Message, now func() time.Time) *domain.MessageMetadata {
	if msg == nil || msg.Payload == nil {
		return nil
	}

	var subject, from, date string
	var haveSubject, haveFrom, haveDate bool
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			if !haveSubject {
				subject, haveSubject = h.Value, true
			}
		case "From":
			if !haveFrom {
				from, haveFrom = h.Value, true
			}
		case "Date":
			if !haveDate {
				date, haveDate = h.Value, true
			}
		}
	}

	senderEmail := from
	if m := angleAddress.FindStringSubmatch(from); m != nil {
		senderEmail = m[1]
	}

	received, err := mail.ParseDate(date)
	if err != nil {
		received = now().UTC()
	}

	return &domain.MessageMetadata{
		MessageID:      msg.ID,
		Subject:        subject,
		Sender:         from,
		SenderEmail:    senderEmail,
		Date:           received,
		HasAttachments: len(msg.Payload.Parts) > 0,
	}
}
