package domain

import "time"

// MIME types of multipart containers the attachment walk descends into.
const (
	MimeMultipartMixed       = "multipart/mixed"
	MimeMultipartRelated     = "multipart/related"
	MimeMultipartAlternative = "multipart/alternative"
)

// Header is a single message header.
type Header struct {
	Name  string
	Value string
}

// MessagePart is a node of a message's MIME tree. Containers have Parts;
// leaves may reference a downloadable body through AttachmentID.
type MessagePart struct {
	PartID       string
	MimeType     string
	Filename     string
	Headers      []Header
	AttachmentID string
	Size         int64
	Parts        []*MessagePart
}

// IsContainer reports whether the part is one of the multipart kinds the
// walk descends into.
func (p *MessagePart) IsContainer() bool {
	switch p.MimeType {
	case MimeMultipartMixed, MimeMultipartRelated, MimeMultipartAlternative:
		return true
	}
	return false
}

// Message is a fully fetched provider message. Payload is nil when the
// provider returned no payload section.
type Message struct {
	ID       string
	ThreadID string
	Payload  *MessagePart
}

// AttachmentDescriptor identifies a downloadable attachment of a message.
type AttachmentDescriptor struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// MessageMetadata is what the pipeline reads from message headers.
type MessageMetadata struct {
	MessageID      string    `json:"message_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	SenderEmail    string    `json:"sender_email"`
	Date           time.Time `json:"date"`
	HasAttachments bool      `json:"has_attachments"`
}
