package model

import (
	"fmt"
	"time"
)

// ClassTemplate is a recurring weekly class definition.  Weekday follows
// time.Weekday (0 = Sunday) and StartTimeLocal is "HH:MM" in the venue zone.
type ClassTemplate struct {
	ID              uint64    `json:"id"`                        // class_templates.id
	VenueID         uint64    `json:"venueId"`                   // class_templates.venue_id
	Name            string    `json:"name"`                      // class_templates.name
	Weekday         int       `json:"weekday"`                   // class_templates.weekday
	StartTimeLocal  string    `json:"startTimeLocal"`            // class_templates.start_time_local
	DurationMin     int       `json:"durationMin"`               // class_templates.duration_min
	DefaultCapacity *int      `json:"defaultCapacity,omitempty"` // class_templates.default_capacity (nullable)
	IsActive        bool      `json:"isActive"`                  // class_templates.is_active
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// OccursOn reports whether the template runs on d.
func (t ClassTemplate) OccursOn(d Date) bool {
	return int(d.Weekday()) == t.Weekday
}

// NextOccurrence returns the first date on or after d that matches the
// template weekday.
func (t ClassTemplate) NextOccurrence(d Date) Date {
	shift := (t.Weekday - int(d.Weekday()) + 7) % 7
	return d.AddDays(shift)
}

// Bounds returns the UTC start and end of the occurrence on d.
func (t ClassTemplate) Bounds(d Date, loc *time.Location) (time.Time, time.Time, error) {
	h, m, err := ParseClock(t.StartTimeLocal)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := d.At(h, m, loc).UTC()
	return start, start.Add(time.Duration(t.DurationMin) * time.Minute), nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" (seconds ignored).
func ParseClock(s string) (int, int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if v, err := time.Parse(layout, s); err == nil {
			return v.Hour(), v.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid local time %q: want HH:MM", s)
}

// NormalizeClock renders a parsed clock value back as "HH:MM".
func NormalizeClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}
