package domain

import "time"

// ArchiveJob asks a worker to run ArchiveMonth.
type ArchiveJob struct {
	ID          string    `json:"id"`
	UserKey     string    `json:"user_key"`
	Year        int       `json:"year"`
	Month       int       `json:"month"`
	RequestedAt time.Time `json:"requested_at"`
}

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is the last known state of an ArchiveJob.
type JobStatus struct {
	ID        string         `json:"id"`
	UserKey   string         `json:"user_key"`
	State     JobState       `json:"state"`
	Result    *ArchiveResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
