package worker

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"archiver_server/core/domain"
)

// JobType represents the type of a job.
type JobType = string

const (
	// JobInvoiceArchive runs ArchiveMonth for one user and month.
	JobInvoiceArchive JobType = "invoice.archive"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`

	// Done, when set, receives the outcome of the single attempt the pool
	// makes. Retries are then left to the submitter.
	Done chan error `json:"-"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// NewArchiveMessage wraps job in a pool message that carries the job id.
func NewArchiveMessage(job *domain.ArchiveJob) (*Message, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive job: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to convert archive job: %w", err)
	}
	msg := NewMessage(JobInvoiceArchive, payload)
	if job.ID != "" {
		msg.ID = job.ID
	}
	return msg, nil
}

// Await sets up Done and returns it. Call it before Submit.
func (m *Message) Await() <-chan error {
	m.Done = make(chan error, 1)
	return m.Done
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
