package database

import (
	"fmt"
	"strings"
	"time"
)

// Formats used when binding dates and timestamps as query parameters.  Both
// MySQL (DATE/DATETIME) and SQLite (TEXT) accept them and SQLite compares
// them correctly as strings.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

var parseLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	DateLayout,
}

// FormatDate renders the calendar date of t (in its own location).
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// FormatTimestamp renders t in UTC with second precision.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// Time scans DATE/DATETIME columns whether the driver hands back a time.Time
// (MySQL with parseTime=true) or text (SQLite).  The result is always UTC.
type Time struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("database: cannot scan %T into Time", src)
}

func (t *Time) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time, t.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range parseLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = v.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("database: unrecognised time %q", s)
}

// Ptr returns nil for NULL columns.
func (t Time) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
