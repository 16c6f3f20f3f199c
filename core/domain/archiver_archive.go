package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies pipeline failures. The orchestrator decides per kind
// whether the run stops or the item is skipped.
type ErrorKind string

const (
	KindCredential          ErrorKind = "credential_error"
	KindServiceConstruction ErrorKind = "service_construction_error"
	KindQuery               ErrorKind = "query_error"
	KindMessageProcessing   ErrorKind = "message_processing_error"
	KindFolderResolution    ErrorKind = "folder_resolution_error"
	KindUpload              ErrorKind = "upload_error"
	KindLinkLookup          ErrorKind = "link_lookup_error"
)

// Terminal reports whether an error of this kind ends the run.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindCredential, KindServiceConstruction, KindFolderResolution:
		return true
	}
	return false
}

// ArchiveError carries the kind and failing operation of a pipeline error.
type ArchiveError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewArchiveError(kind ErrorKind, op string, err error) *ArchiveError {
	return &ArchiveError{Kind: kind, Op: op, Err: err}
}

func (e *ArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first ArchiveError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// FolderResolution is the destination of one archive run. DriveID is empty
// when the user's default storage area is used.
type FolderResolution struct {
	FolderID string `json:"folder_id"`
	DriveID  string `json:"drive_id,omitempty"`
}

// ArchivedFile is one uploaded attachment.
type ArchivedFile struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// ArchiveResult is the aggregated outcome of ArchiveMonth.
type ArchiveResult struct {
	RunID      string         `json:"run_id"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Count      int            `json:"count"`
	Files      []ArchivedFile `json:"files"`
	FolderLink *string        `json:"folder_link"`
	Skipped    int            `json:"skipped,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
}

// Candidate is one previewed message: metadata, attachments and whether an
// Invoice already exists for it.
type Candidate struct {
	Metadata    MessageMetadata        `json:"metadata"`
	Attachments []AttachmentDescriptor `json:"attachments"`
	Archived    bool                   `json:"archived"`
}

// PreviewResult lists the candidates of a date window.
type PreviewResult struct {
	From       time.Time   `json:"from"`
	To         time.Time   `json:"to"`
	Query      string      `json:"query"`
	Candidates []Candidate `json:"candidates"`
}
