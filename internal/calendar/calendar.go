// Package calendar converts Azure DevOps timestamps into calendar dates and counts
// working days between them.
package calendar

import (
	"fmt"
	"time"
)

// DisplayLayout is the human-readable date format used in reports (e.g. 15-Jan-2024).
const DisplayLayout = "02-Jan-2006"

// DateFormatError is returned when a timestamp or display date cannot be parsed.
type DateFormatError struct {
	Input  string
	Layout string
	Err    error
}

func (e *DateFormatError) Error() string {
	return fmt.Sprintf("malformed date %q (expected %s): %v", e.Input, e.Layout, e.Err)
}

func (e *DateFormatError) Unwrap() error {
	return e.Err
}

// ParseCalendarDate parses an ISO-8601 offset timestamp and returns its calendar date
// as seen in the timestamp's own offset, normalized to midnight UTC.
func ParseCalendarDate(timestamp string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return time.Time{}, &DateFormatError{Input: timestamp, Layout: time.RFC3339, Err: err}
	}
	return dateOf(t), nil
}

// FormatDisplayDate renders a date as dd-Mon-yyyy.
func FormatDisplayDate(d time.Time) string {
	return d.Format(DisplayLayout)
}

// ParseDisplayDate is the inverse of FormatDisplayDate. The layout takes a
// four-digit year, so dates past year 9999 do not round-trip.
func ParseDisplayDate(s string) (time.Time, error) {
	t, err := time.Parse(DisplayLayout, s)
	if err != nil {
		return time.Time{}, &DateFormatError{Input: s, Layout: DisplayLayout, Err: err}
	}
	return t, nil
}

// FormatTimestamp converts an ISO-8601 timestamp straight to the display format.
// On a malformed input the raw string is returned unchanged along with the error,
// so callers can log and keep going.
func FormatTimestamp(timestamp string) (string, error) {
	d, err := ParseCalendarDate(timestamp)
	if err != nil {
		return timestamp, err
	}
	return FormatDisplayDate(d), nil
}

// CountWeekdays counts the days from start to finish, both inclusive, that fall on
// Monday through Friday. A finish before start yields 0.
func CountWeekdays(start, finish time.Time) int {
	start, finish = dateOf(start), dateOf(finish)
	days := 0
	for d := start; !d.After(finish); d = d.AddDate(0, 0, 1) {
		if isWeekday(d) {
			days++
		}
	}
	return days
}

// CountWorkdays is CountWeekdays minus holidays, floored at zero.
func CountWorkdays(start, finish time.Time, holidays int) int {
	return max(0, CountWeekdays(start, finish)-holidays)
}

// DaysInclusive returns the number of whole days between two timestamps plus one.
// Both are compared on their local wall clock, ignoring the offsets. Any parse
// failure yields 0; the value is only used for logging.
func DaysInclusive(startTimestamp, endTimestamp string) int {
	start, err := time.Parse(time.RFC3339, startTimestamp)
	if err != nil {
		return 0
	}
	end, err := time.Parse(time.RFC3339, endTimestamp)
	if err != nil {
		return 0
	}
	return int(wallClock(end).Sub(wallClock(start))/(24*time.Hour)) + 1
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
