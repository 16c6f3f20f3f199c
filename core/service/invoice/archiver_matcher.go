package invoice

import (
	"fmt"
	"strings"
	"time"
)

// InvoiceKeywords are the subject words that mark a message as invoice-like.
var InvoiceKeywords = []string{"invoice", "receipt", "bill", "statement", "payment"}

// DefaultLookback is the preview window when no bounds are given.
const DefaultLookback = 30 * 24 * time.Hour

const queryDateLayout = "2006/01/02"

// BuildQuery returns the Gmail search query for messages with attachments,
// an invoice keyword in the subject, and a date in [from, to).
//
// Gmail treats after:D as "on or after D" and before:D as "strictly before D",
// so to must be the first day that is excluded.
func BuildQuery(from, to time.Time) string {
	subjects := make([]string, len(InvoiceKeywords))
	for i, kw := range InvoiceKeywords {
		subjects[i] = "subject:" + kw
	}
	return fmt.Sprintf("has:attachment after:%s before:%s (%s)",
		from.Format(queryDateLayout),
		to.Format(queryDateLayout),
		strings.Join(subjects, " OR "),
	)
}

// MonthRange returns [first day of month, first day of next month) in UTC.
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// TrailingRange returns the whole days covering the lookback window ending
// today, with today included.
func TrailingRange(now time.Time, lookback time.Duration) (time.Time, time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	to := today.AddDate(0, 0, 1)
	from := today.Add(-lookback)
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, now.Location())
	return from, to
}

// monthLabel formats "March 2024" for result messages.
func monthLabel(year int, month time.Month) string {
	return fmt.Sprintf("%s %d", month.String(), year)
}
