package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"archiver_server/adapter/out/persistence"
	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/apperr"
	"archiver_server/pkg/resilience"
)

// fakeArchiver returns a canned result or error for every call.
type fakeArchiver struct {
	mu     sync.Mutex
	calls  []domain.ArchiveJob
	result *domain.ArchiveResult
	err    error
}

func (f *fakeArchiver) ArchiveMonth(ctx context.Context, userKey string, year, month int) (*domain.ArchiveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, domain.ArchiveJob{UserKey: userKey, Year: year, Month: month})
	return f.result, f.err
}

func (f *fakeArchiver) Preview(ctx context.Context, userKey string, from, to time.Time) (*domain.PreviewResult, error) {
	return nil, errors.New("not implemented")
}

func archiveMessage(t *testing.T, id string) *Message {
	t.Helper()
	msg, err := NewArchiveMessage(&domain.ArchiveJob{ID: id, UserKey: "jane@example.com", Year: 2024, Month: 3})
	if err != nil {
		t.Fatalf("NewArchiveMessage: %v", err)
	}
	return msg
}

func TestNewArchiveMessage(t *testing.T) {
	msg := archiveMessage(t, "job-1")
	if msg.ID != "job-1" || msg.Type != JobInvoiceArchive {
		t.Fatalf("message = %+v", msg)
	}
	job, err := ParsePayload[domain.ArchiveJob](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if job.UserKey != "jane@example.com" || job.Year != 2024 || job.Month != 3 {
		t.Errorf("job = %+v", job)
	}

	anon, err := NewArchiveMessage(&domain.ArchiveJob{UserKey: "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if anon.ID == "" {
		t.Error("message without job id should get a generated id")
	}
}

func TestArchiveProcessorOutcomes(t *testing.T) {
	link := "https://drive/folder"
	tests := []struct {
		name      string
		result    *domain.ArchiveResult
		err       error
		wantState domain.JobState
		wantErr   bool
		wantMsg   string
	}{
		{
			name:      "success",
			result:    &domain.ArchiveResult{Success: true, Count: 2, FolderLink: &link},
			wantState: domain.JobDone,
		},
		{
			name:      "pipeline failure",
			result:    &domain.ArchiveResult{Success: false, Message: "no credential"},
			wantState: domain.JobFailed,
			wantMsg:   "no credential",
		},
		{
			name:      "invalid input",
			err:       apperr.InvalidInput("month", "must be between 1 and 12"),
			wantState: domain.JobFailed,
		},
		{
			name:      "run in progress",
			err:       apperr.RunInProgress("jane@example.com"),
			wantState: domain.JobQueued,
			wantErr:   true,
		},
		{
			name:      "lock backend down",
			err:       apperr.ExternalError("redis", errors.New("connection refused")),
			wantState: domain.JobQueued,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statuses := persistence.NewMemoryJobStatusStore(time.Hour)
			archiver := &fakeArchiver{result: tt.result, err: tt.err}
			p := NewArchiveProcessor(archiver, statuses)

			err := p.ProcessArchive(context.Background(), archiveMessage(t, "job-1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProcessArchive error = %v, wantErr %v", err, tt.wantErr)
			}

			st, err := statuses.GetStatus(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if st.State != tt.wantState {
				t.Errorf("state = %s, want %s", st.State, tt.wantState)
			}
			if st.UserKey != "jane@example.com" {
				t.Errorf("user = %q", st.UserKey)
			}
			if tt.wantMsg != "" && st.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", st.Error, tt.wantMsg)
			}
			if tt.wantState == domain.JobDone && (st.Result == nil || st.Result.Count != 2) {
				t.Errorf("result = %+v", st.Result)
			}
			if len(archiver.calls) != 1 || archiver.calls[0].Month != 3 {
				t.Errorf("calls = %+v", archiver.calls)
			}
		})
	}
}

func TestArchiveProcessorBadPayload(t *testing.T) {
	archiver := &fakeArchiver{}
	p := NewArchiveProcessor(archiver, nil)

	msg := NewMessage(JobInvoiceArchive, map[string]any{"year": "not a number"})
	if err := p.ProcessArchive(context.Background(), msg); err != nil {
		t.Fatalf("bad payload should not be retried, got %v", err)
	}
	if len(archiver.calls) != 0 {
		t.Errorf("archiver called for bad payload")
	}
}

func TestHandlerDeadLetterMarksFailed(t *testing.T) {
	statuses := persistence.NewMemoryJobStatusStore(time.Hour)
	h := NewHandler(NewArchiveProcessor(&fakeArchiver{}, statuses))

	h.DeadLetter(context.Background(), archiveMessage(t, "job-9"), errors.New("gave up"))

	st, err := statuses.GetStatus(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != domain.JobFailed || st.Error != "gave up" {
		t.Errorf("status = %+v", st)
	}
}

func TestHandlerIgnoresUnknownType(t *testing.T) {
	h := NewHandler(NewArchiveProcessor(&fakeArchiver{}, nil))
	if err := h.Process(context.Background(), NewMessage("mail.sync", nil)); err != nil {
		t.Errorf("unknown type: %v", err)
	}
}

// scriptedProcessor fails the first failures attempts of every message.
type scriptedProcessor struct {
	mu       sync.Mutex
	attempts map[string]int
	failures int
	block    bool
	done     chan string
	dead     chan string
}

func newScriptedProcessor(failures int) *scriptedProcessor {
	return &scriptedProcessor{
		attempts: make(map[string]int),
		failures: failures,
		done:     make(chan string, 16),
		dead:     make(chan string, 16),
	}
}

func (p *scriptedProcessor) Process(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	p.attempts[msg.ID]++
	n := p.attempts[msg.ID]
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= p.failures {
		return errors.New("transient")
	}
	p.done <- msg.ID
	return nil
}

func (p *scriptedProcessor) DeadLetter(ctx context.Context, msg *Message, err error) {
	p.dead <- msg.ID
}

func (p *scriptedProcessor) attemptsOf(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func testPoolConfig(maxRetries int) *PoolConfig {
	return &PoolConfig{
		Workers:        2,
		WorkerChanSize: 4,
		JobTimeout:     time.Second,
		MaxRetries:     maxRetries,
		Retry:          resilience.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		SubmitRate:     100,
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	proc := newScriptedProcessor(0)
	p := NewPool(proc, testPoolConfig(0), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Submit(NewMessage(JobInvoiceArchive, nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job not processed")
	}
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	proc := newScriptedProcessor(2)
	p := NewPool(proc, testPoolConfig(3), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	msg := NewMessage(JobInvoiceArchive, nil)
	if err := p.Submit(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, msg.ID)

	if got := proc.attemptsOf(msg.ID); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if m := p.GetMetrics(); m.JobsRetried != 2 || m.JobsFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPoolDeadLettersAfterMaxRetries(t *testing.T) {
	proc := newScriptedProcessor(100)
	p := NewPool(proc, testPoolConfig(2), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	msg := NewMessage(JobInvoiceArchive, nil)
	if err := p.Submit(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.dead, msg.ID)

	if got := proc.attemptsOf(msg.ID); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if m := p.GetMetrics(); m.JobsFailed != 1 {
		t.Errorf("failed = %d, want 1", m.JobsFailed)
	}
}

func TestPoolReportsAwaitedOutcome(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{"success", 0, false},
		{"failure is not retried", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := newScriptedProcessor(tt.failures)
			p := NewPool(proc, testPoolConfig(3), zerolog.Nop())
			if err := p.Start(); err != nil {
				t.Fatal(err)
			}
			defer p.Stop()

			msg := NewMessage(JobInvoiceArchive, nil)
			done := msg.Await()
			if err := p.Submit(msg); err != nil {
				t.Fatal(err)
			}
			select {
			case err := <-done:
				if (err != nil) != tt.wantErr {
					t.Errorf("outcome = %v, wantErr %v", err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no outcome reported")
			}

			time.Sleep(20 * time.Millisecond)
			if got := proc.attemptsOf(msg.ID); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
			select {
			case id := <-proc.dead:
				t.Errorf("awaited job %s was dead-lettered by the pool", id)
			default:
			}
		})
	}
}

func TestPoolJobTimeout(t *testing.T) {
	proc := newScriptedProcessor(0)
	proc.block = true
	cfg := testPoolConfig(0)
	cfg.JobTimeout = 20 * time.Millisecond
	p := NewPool(proc, cfg, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	msg := NewMessage(JobInvoiceArchive, nil)
	if err := p.Submit(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.dead, msg.ID)
}

func TestPoolSubmitWhenStopped(t *testing.T) {
	p := NewPool(newScriptedProcessor(0), testPoolConfig(0), zerolog.Nop())
	if err := p.Submit(NewMessage(JobInvoiceArchive, nil)); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("before start: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Stop()
	if err := p.Submit(NewMessage(JobInvoiceArchive, nil)); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("after stop: %v", err)
	}
}

func TestPoolRateLimit(t *testing.T) {
	cfg := testPoolConfig(0)
	cfg.SubmitRate = 1
	p := NewPool(newScriptedProcessor(0), cfg, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if err := p.Submit(NewMessage(JobInvoiceArchive, nil)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(NewMessage(JobInvoiceArchive, nil)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second submit: %v", err)
	}
	if m := p.GetMetrics(); m.JobsDropped != 1 {
		t.Errorf("dropped = %d", m.JobsDropped)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	r := NewRateLimiter(2, 10*time.Millisecond)
	if !r.Allow() || !r.Allow() {
		t.Fatal("initial tokens not available")
	}
	if r.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(15 * time.Millisecond)
	if !r.Allow() {
		t.Error("bucket did not refill")
	}
}

func TestDirectPublisher(t *testing.T) {
	proc := newScriptedProcessor(0)
	p := NewPool(proc, testPoolConfig(0), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	pub := NewDirectPublisher(p)
	job := &domain.ArchiveJob{ID: "job-7", UserKey: "jane@example.com", Year: 2024, Month: 2}
	if err := pub.PublishArchive(context.Background(), job); err != nil {
		t.Fatalf("PublishArchive: %v", err)
	}
	waitFor(t, proc.done, "job-7")
}

// userLister implements only ListUserKeys of out.UserRepository.
type userLister struct {
	out.UserRepository
	keys []string
	err  error
}

func (u *userLister) ListUserKeys(ctx context.Context) ([]string, error) {
	return u.keys, u.err
}

type recordingPublisher struct {
	jobs []*domain.ArchiveJob
	fail map[string]bool
}

func (r *recordingPublisher) PublishArchive(ctx context.Context, job *domain.ArchiveJob) error {
	if r.fail[job.UserKey] {
		return errors.New("queue down")
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func TestPreviousMonth(t *testing.T) {
	tests := []struct {
		now   time.Time
		year  int
		month int
	}{
		{time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), 2024, 2},
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 2023, 12},
		{time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC), 2024, 2},
	}
	for _, tt := range tests {
		y, m := previousMonth(tt.now)
		if y != tt.year || m != tt.month {
			t.Errorf("previousMonth(%s) = %d-%d, want %d-%d", tt.now.Format("2006-01-02"), y, m, tt.year, tt.month)
		}
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	users := &userLister{keys: []string{"a@example.com", "b@example.com", "c@example.com"}}
	pub := &recordingPublisher{fail: map[string]bool{"c@example.com": true}}
	statuses := persistence.NewMemoryJobStatusStore(time.Hour)
	s := NewMonthlyScheduler(users, pub, statuses, persistence.NewMemoryLocker(), 3)
	defer s.Stop()

	s.now = func() time.Time { return time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC) }
	n, err := s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("before scheduled day: n=%d err=%v", n, err)
	}

	s.now = func() time.Time { return time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC) }
	n, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 || len(pub.jobs) != 2 {
		t.Fatalf("published %d jobs, want 2", n)
	}
	for _, job := range pub.jobs {
		if job.Year != 2023 || job.Month != 12 || job.ID == "" {
			t.Errorf("job = %+v", job)
		}
		st, err := statuses.GetStatus(context.Background(), job.ID)
		if err != nil || st.State != domain.JobQueued {
			t.Errorf("status for %s = %+v, %v", job.ID, st, err)
		}
	}

	// Same month again, later tick or another process. Only the user whose
	// publish failed is retried.
	s.now = func() time.Time { return time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC) }
	if n, err := s.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("repeat run: n=%d err=%v", n, err)
	}

	delete(pub.fail, "c@example.com")
	n, err = s.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("retry run: n=%d err=%v", n, err)
	}
	if last := pub.jobs[len(pub.jobs)-1]; last.UserKey != "c@example.com" {
		t.Errorf("retried %s, want c@example.com", last.UserKey)
	}
	if n, err := s.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("after retry: n=%d err=%v", n, err)
	}
}

func TestSchedulerListFailure(t *testing.T) {
	users := &userLister{err: errors.New("db down")}
	pub := &recordingPublisher{}
	s := NewMonthlyScheduler(users, pub, nil, persistence.NewMemoryLocker(), 1)
	defer s.Stop()
	s.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected list error")
	}

	// The month is still scheduled once the store recovers.
	users.err = nil
	users.keys = []string{"a@example.com"}
	n, err := s.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("after recovery: n=%d err=%v", n, err)
	}
	if job := pub.jobs[0]; job.Year != 2024 || job.Month != 4 {
		t.Errorf("job = %+v", job)
	}
}

func TestSchedulerStopsWhenContextEnds(t *testing.T) {
	users := &userLister{keys: []string{"a@example.com", "b@example.com"}}
	pub := &recordingPublisher{}
	s := NewMonthlyScheduler(users, pub, nil, persistence.NewMemoryLocker(), 1)
	defer s.Stop()
	s.now = func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n, err := s.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("cancelled run: n=%d err=%v", n, err)
	}

	n, err := s.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Errorf("next run: n=%d err=%v, want both users", n, err)
	}
}

type failingStatuses struct {
	writes int
}

func (f *failingStatuses) SetStatus(ctx context.Context, status *domain.JobStatus) error {
	f.writes++
	return errors.New("redis down")
}

func (f *failingStatuses) GetStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	return nil, errors.New("redis down")
}

func TestSchedulerPublishesWhenStatusWriteFails(t *testing.T) {
	users := &userLister{keys: []string{"a@example.com", "b@example.com"}}
	pub := &recordingPublisher{}
	statuses := &failingStatuses{}
	s := NewMonthlyScheduler(users, pub, statuses, persistence.NewMemoryLocker(), 1)
	defer s.Stop()
	s.now = func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }

	n, err := s.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if statuses.writes != 2 || len(pub.jobs) != 2 {
		t.Errorf("status writes = %d, published = %d", statuses.writes, len(pub.jobs))
	}
}
