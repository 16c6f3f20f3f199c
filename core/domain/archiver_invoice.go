package domain

import (
	"fmt"
	"time"
)

// Invoice records one archived attachment. At most one Invoice exists per
// (user, MessageID); the pipeline enforces it, storage does not.
type Invoice struct {
	ID         string    `json:"id" db:"id"`
	UserEmail  string    `json:"-" db:"user_email"`
	MessageID  string    `json:"message_id" db:"message_id"`
	Filename   string    `json:"filename" db:"filename"`
	Sender     string    `json:"sender" db:"sender"`
	Subject    string    `json:"subject" db:"subject"`
	ReceivedAt time.Time `json:"received_date" db:"received_at"`
	DriveLink  string    `json:"gdrive_link" db:"drive_link"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewInvoiceID builds the inv_<unix>_<count> identifier from the user's
// current invoice count. Unique per user only while appends are serialized.
func NewInvoiceID(now time.Time, count int) string {
	return fmt.Sprintf("inv_%d_%d", now.Unix(), count)
}
