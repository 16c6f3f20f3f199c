package invoice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/resilience"
	"archiver_server/pkg/snowflake"
)

// ===== users =====

type fakeUsers struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	invoices  map[string][]domain.Invoice
	loadErr   error
	appendErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*domain.User{}, invoices: map[string][]domain.Invoice{}}
}

func (f *fakeUsers) add(email, name string) {
	f.users[email] = &domain.User{
		Email:      email,
		Name:       name,
		Credential: &domain.CredentialBlob{AccessToken: "at", RefreshToken: "rt"},
	}
}

func (f *fakeUsers) LoadCredential(ctx context.Context, userKey string) (*domain.CredentialBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	u, ok := f.users[userKey]
	if !ok || u.Credential == nil {
		return nil, out.ErrNotFound
	}
	return u.Credential, nil
}

func (f *fakeUsers) SaveCredential(ctx context.Context, userKey, name string, cred *domain.CredentialBlob) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey]
	if !ok {
		u = &domain.User{Email: userKey, Name: name}
		f.users[userKey] = u
	}
	u.Credential = cred
	return u, nil
}

func (f *fakeUsers) GetUser(ctx context.Context, userKey string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey]
	if !ok {
		return nil, out.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) ListUserKeys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.users))
	for k := range f.users {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeUsers) ListInvoices(ctx context.Context, userKey string, limit, offset int) ([]domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Invoice(nil), f.invoices[userKey]...), nil
}

func (f *fakeUsers) CountInvoices(ctx context.Context, userKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoices[userKey]), nil
}

func (f *fakeUsers) ArchivedMessageIDs(ctx context.Context, userKey string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := map[string]struct{}{}
	for _, inv := range f.invoices[userKey] {
		ids[inv.MessageID] = struct{}{}
	}
	return ids, nil
}

func (f *fakeUsers) AppendInvoice(ctx context.Context, userKey string, inv *domain.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	inv.ID = domain.NewInvoiceID(time.Now(), len(f.invoices[userKey]))
	inv.UserEmail = userKey
	inv.CreatedAt = time.Now()
	f.invoices[userKey] = append(f.invoices[userKey], *inv)
	return nil
}

// ===== mail =====

type fakeMail struct {
	mu          sync.Mutex
	messages    map[string]*domain.Message
	attachments map[string][]byte // messageID/attachmentID
	order       []string
	listErr     error
	buildErr    error
	getErr      map[string]error
	attErr      map[string]error
	queries     []string
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		messages:    map[string]*domain.Message{},
		attachments: map[string][]byte{},
		getErr:      map[string]error{},
		attErr:      map[string]error{},
	}
}

func (f *fakeMail) addMessage(msg *domain.Message, data map[string][]byte) {
	f.messages[msg.ID] = msg
	f.order = append(f.order, msg.ID)
	for attID, b := range data {
		f.attachments[msg.ID+"/"+attID] = b
	}
}

func (f *fakeMail) NewMailClient(ctx context.Context, cred *domain.CredentialBlob) (out.MailClient, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f, nil
}

func (f *fakeMail) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := append([]string(nil), f.order...)
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, out.NewProviderError("gmail", out.ProviderErrNotFound, "not found", nil, false)
	}
	return msg, nil
}

func (f *fakeMail) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	key := messageID + "/" + attachmentID
	if err := f.attErr[key]; err != nil {
		return nil, err
	}
	b, ok := f.attachments[key]
	if !ok {
		return nil, errors.New("attachment missing")
	}
	return b, nil
}

func (f *fakeMail) ProfileEmail(ctx context.Context) (string, error) {
	return "jane@example.com", nil
}

// ===== storage =====

type upload struct {
	parentID, name, rootID string
	mimeType               string
	content                string
}

type fakeStorage struct {
	mu        sync.Mutex
	folders   map[string][]string // rootID|parentID|name -> ids
	nextID    int
	creates   int
	finds     int
	uploads   []upload
	buildErr  error
	findErr   error
	createErr error
	linkErr   error
	// uploadErrs are returned by successive Upload calls before succeeding.
	uploadErrs []error
	// failUpload fails every upload of the named file.
	failUpload map[string]error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{folders: map[string][]string{}, failUpload: map[string]error{}}
}

func folderKey(rootID, parentID, name string) string {
	return rootID + "|" + parentID + "|" + name
}

func (f *fakeStorage) NewStorageClient(ctx context.Context, cred *domain.CredentialBlob) (out.StorageClient, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f, nil
}

func (f *fakeStorage) FindFolders(ctx context.Context, name, parentID, rootID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]string(nil), f.folders[folderKey(rootID, parentID, name)]...), nil
}

func (f *fakeStorage) CreateFolder(ctx context.Context, name, parentID, rootID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.creates++
	id := fmt.Sprintf("folder-%d", f.nextID)
	k := folderKey(rootID, parentID, name)
	f.folders[k] = append(f.folders[k], id)
	return id, nil
}

func (f *fakeStorage) Upload(ctx context.Context, localPath, parentID, name, mimeType, rootID string) (*out.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return nil, err
	}
	if err := f.failUpload[name]; err != nil {
		return nil, err
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, upload{parentID: parentID, name: name, rootID: rootID, mimeType: mimeType, content: string(b)})
	n := len(f.uploads)
	return &out.UploadedFile{ID: fmt.Sprintf("file-%d", n), Link: fmt.Sprintf("https://drive.test/file-%d", n)}, nil
}

func (f *fakeStorage) FolderLink(ctx context.Context, folderID, rootID string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return "https://drive.test/folders/" + folderID, nil
}

// ===== locker =====

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[key] {
		return nil, out.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

// ===== fixtures =====

var fixedNow = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	users   *fakeUsers
	mail    *fakeMail
	storage *fakeStorage
	locker  *fakeLocker
	svc     *Service
	tempDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gen, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		users:   newFakeUsers(),
		mail:    newFakeMail(),
		storage: newFakeStorage(),
		locker:  newFakeLocker(),
		tempDir: t.TempDir(),
	}
	h.users.add("jane@example.com", "Jane Doe")
	h.svc = NewService(h.users, h.mail, h.storage, h.locker, gen, Config{
		MaxResults:   100,
		MaxPartDepth: 8,
		TempDir:      h.tempDir,
		Retry:        resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func pdfPart(attID, filename string) *domain.MessagePart {
	return &domain.MessagePart{MimeType: MimePDF, Filename: filename, AttachmentID: attID, Size: 1024}
}

func htmlPart() *domain.MessagePart {
	return &domain.MessagePart{MimeType: "text/html", Size: 200}
}

// invoiceMessage builds a multipart/mixed message with the given leaves.
func invoiceMessage(id, subject, date string, leaves ...*domain.MessagePart) *domain.Message {
	return &domain.Message{
		ID: id,
		Payload: &domain.MessagePart{
			MimeType: domain.MimeMultipartMixed,
			Headers: []domain.Header{
				{Name: "Subject", Value: subject},
				{Name: "From", Value: "Billing <billing@vendor.test>"},
				{Name: "Date", Value: date},
			},
			Parts: append([]*domain.MessagePart{
				{MimeType: domain.MimeMultipartAlternative, Parts: []*domain.MessagePart{
					{MimeType: "text/plain"}, htmlPart(),
				}},
			}, leaves...),
		},
	}
}
