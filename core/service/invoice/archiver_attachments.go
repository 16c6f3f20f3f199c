package invoice

import (
	"path/filepath"
	"strings"

	"archiver_server/core/domain"
)

const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeDoc  = "application/msword"
	MimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// AllowedMimeTypes are the attachment types archived as invoices.
var AllowedMimeTypes = map[string]bool{
	MimePDF:  true,
	MimeJPEG: true,
	MimePNG:  true,
	MimeDoc:  true,
	MimeDocx: true,
}

// DefaultMaxPartDepth bounds the MIME walk when no depth is configured.
const DefaultMaxPartDepth = 16

// ExtractAttachments walks the payload's parts, descending into multipart
// containers up to maxDepth levels, and returns the leaves with an allowed
// type and a provider attachment id. truncated is true when containers below
// maxDepth were not visited.
func ExtractAttachments(msg *domain.Message, maxDepth int) (atts []domain.AttachmentDescriptor, truncated bool) {
	if msg == nil || msg.Payload == nil {
		return nil, false
	}
	if maxDepth < 1 {
		maxDepth = DefaultMaxPartDepth
	}

	var walk func(parts []*domain.MessagePart, depth int)
	walk = func(parts []*domain.MessagePart, depth int) {
		for _, part := range parts {
			if part == nil {
				continue
			}
			if part.IsContainer() {
				if depth >= maxDepth {
					truncated = true
					continue
				}
				walk(part.Parts, depth+1)
				continue
			}
			if !AllowedMimeTypes[part.MimeType] || part.AttachmentID == "" {
				continue
			}
			name := part.Filename
			if name == "" {
				name = "attachment_" + part.AttachmentID
			}
			atts = append(atts, domain.AttachmentDescriptor{
				ID:       part.AttachmentID,
				Filename: name,
				MimeType: part.MimeType,
				Size:     part.Size,
			})
		}
	}
	walk(msg.Payload.Parts, 1)

	return atts, truncated
}

// safeFilename strips directories and characters that are invalid on common
// filesystems so attachment names can be used for temp files.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "" {
		return "attachment"
	}
	return name
}
