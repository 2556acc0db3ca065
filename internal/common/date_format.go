package common

import (
	"fmt"
	"strings"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is the calendar date format used by both upstream services,
	// the proxy wire format and CSV exports
	ISO8601Date = "2006-01-02"

	// DisplayDate is the human-readable format used for chart labels
	DisplayDate = "Jan 02, 2006"

	// NoDate is the placeholder the proxy emits when a feature carries no datetime
	NoDate = "N/A"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// FormatDisplay formats a time.Time to display format (Jan 02, 2006)
func FormatDisplay(t time.Time) string {
	return t.Format(DisplayDate)
}

// ValidateISO8601 checks if a date string is in valid ISO 8601 format
func ValidateISO8601(dateStr string) bool {
	_, err := ParseISO8601(dateStr)
	return err == nil
}

// ParseTimestamp accepts either a calendar date or an RFC 3339 timestamp.
// WTSS timelines use the former, STAC datetimes the latter.
func ParseTimestamp(value string) (time.Time, error) {
	if t, err := ParseISO8601(value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}
	return t, nil
}

// CalendarDate cuts the time part off a STAC datetime ("2021-03-04T13:01:02Z" -> "2021-03-04")
func CalendarDate(datetime string) string {
	if datetime == "" {
		return NoDate
	}
	date, _, _ := strings.Cut(datetime, "T")
	return date
}

// STACDatetimeInterval builds the closed interval used in STAC search payloads,
// covering the whole of both calendar days
func STACDatetimeInterval(startDate, endDate string) string {
	return fmt.Sprintf("%sT00:00:00Z/%sT23:59:59Z", startDate, endDate)
}
