package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD string into a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate formats a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsCalendarDate reports whether t is exactly midnight UTC.
func IsCalendarDate(t time.Time) bool {
	return !t.IsZero() && t.Equal(Day(t))
}

// ChargePeriod returns the daily charge period [date, date+1d).
func ChargePeriod(date time.Time) (start, end time.Time) {
	start = Day(date)
	return start, start.AddDate(0, 0, 1)
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("genai-cost-ledger/records"))

// RecordID derives a stable identifier from a record's natural key, so
// reruns over the same input produce identical rows.
func RecordID(parts ...string) string {
	return uuid.NewSHA1(recordNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
