// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"

	"archiver_server/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProvider builds an authenticated mail client for one credential.
type MailProvider interface {
	NewMailClient(ctx context.Context, cred *domain.CredentialBlob) (MailClient, error)
}

// MailClient is a mailbox bound to one user.
type MailClient interface {
	// ListMessageIDs returns at most max ids of the first result page.
	ListMessageIDs(ctx context.Context, query string, max int) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	ProfileEmail(ctx context.Context) (string, error)
}

// =============================================================================
// Storage Provider Port (Google Drive)
// =============================================================================

// StorageProvider builds an authenticated storage client for one credential.
type StorageProvider interface {
	NewStorageClient(ctx context.Context, cred *domain.CredentialBlob) (StorageClient, error)
}

// StorageClient manages folders and files. rootID is the shared drive id,
// empty for the user's default storage area.
type StorageClient interface {
	// FindFolders returns ids of non-trashed folders named name directly
	// under parentID (or at the root when parentID is empty).
	FindFolders(ctx context.Context, name, parentID, rootID string) ([]string, error)
	CreateFolder(ctx context.Context, name, parentID, rootID string) (string, error)
	// Upload stores localPath as name. mimeType is the type the file was
	// received with; empty lets the client pick one from the name.
	Upload(ctx context.Context, localPath, parentID, name, mimeType, rootID string) (*UploadedFile, error)
	FolderLink(ctx context.Context, folderID, rootID string) (string, error)
}

// UploadedFile is the remote copy of an uploaded file.
type UploadedFile struct {
	ID   string
	Link string
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrCircuitOpen  ProviderErrorCode = "circuit_open"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable lets resilience.Retry decide whether to repeat the call.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}
