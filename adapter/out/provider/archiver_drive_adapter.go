package provider

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/metrics"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveAdapter implements out.StorageProvider.
type DriveAdapter struct {
	auth *GoogleAuth
	call *apiCall
}

func NewDriveAdapter(auth *GoogleAuth, registry *metrics.Registry) *DriveAdapter {
	if registry == nil {
		registry = metrics.Global()
	}
	return &DriveAdapter{
		auth: auth,
		call: &apiCall{cb: newCircuitBreaker("drive-api"), registry: registry, provider: "drive"},
	}
}

func (a *DriveAdapter) NewStorageClient(ctx context.Context, cred *domain.CredentialBlob) (out.StorageClient, error) {
	httpClient, err := a.auth.Client(ctx, cred)
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &driveClient{svc: svc, call: a.call}, nil
}

type driveClient struct {
	svc  *drive.Service
	call *apiCall
}

func (c *driveClient) FindFolders(ctx context.Context, name, parentID, rootID string) ([]string, error) {
	req := c.svc.Files.List().
		Q(folderQuery(name, parentID, rootID)).
		Fields("files(id, name)").
		PageSize(10)
	if rootID != "" {
		req = req.Corpora("drive").DriveId(rootID).IncludeItemsFromAllDrives(true).SupportsAllDrives(true)
	} else {
		req = req.Spaces("drive")
	}

	var resp *drive.FileList
	err := c.call.execute("find", func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Files))
	for _, f := range resp.Files {
		ids = append(ids, f.Id)
	}
	return ids, nil
}

func (c *driveClient) CreateFolder(ctx context.Context, name, parentID, rootID string) (string, error) {
	folder := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  parents(parentID, rootID),
	}

	var created *drive.File
	err := c.call.execute("create", func() error {
		var apiErr error
		created, apiErr = c.svc.Files.Create(folder).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// Upload opens localPath on every call so a retried upload starts from the
// beginning of the file.
func (c *driveClient) Upload(ctx context.Context, localPath, parentID, name, mimeType, rootID string) (*out.UploadedFile, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	meta := &drive.File{
		Name:    name,
		Parents: parents(parentID, rootID),
	}
	contentType := mimeType
	if contentType == "" {
		contentType = contentTypeFor(name)
	}

	var uploaded *drive.File
	err = c.call.execute("upload", func() error {
		var apiErr error
		uploaded, apiErr = c.svc.Files.Create(meta).
			Media(f, googleapi.ContentType(contentType)).
			Fields("id, webViewLink").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return &out.UploadedFile{ID: uploaded.Id, Link: uploaded.WebViewLink}, nil
}

func (c *driveClient) FolderLink(ctx context.Context, folderID, rootID string) (string, error) {
	var file *drive.File
	err := c.call.execute("link", func() error {
		var apiErr error
		file, apiErr = c.svc.Files.Get(folderID).Fields("webViewLink").SupportsAllDrives(true).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return file.WebViewLink, nil
}

// folderQuery matches non-trashed folders named name directly under
// parentID, or under the drive root when parentID is empty.
func folderQuery(name, parentID, rootID string) string {
	parent := parentID
	if parent == "" {
		parent = rootID
	}
	if parent == "" {
		parent = "root"
	}
	return fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false and '%s' in parents",
		escapeQuery(name), folderMimeType, escapeQuery(parent))
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func parents(parentID, rootID string) []string {
	switch {
	case parentID != "":
		return []string{parentID}
	case rootID != "":
		return []string{rootID}
	default:
		return nil
	}
}

func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

var _ out.StorageProvider = (*DriveAdapter)(nil)
