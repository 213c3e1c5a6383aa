package model

import "time"

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionCanceled  SessionStatus = "canceled"
	SessionCompleted SessionStatus = "completed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionCanceled, SessionCompleted:
		return true
	}
	return false
}

// ClassSession is one concrete dated occurrence.  TemplateID is nil for
// ad-hoc sessions.  SessionDate is the local calendar date in the venue zone;
// StartAt and EndAt are UTC.
type ClassSession struct {
	ID          uint64        `json:"id"`                   // class_sessions.id
	TemplateID  *uint64       `json:"templateId,omitempty"` // class_sessions.template_id (nullable)
	VenueID     uint64        `json:"venueId"`              // class_sessions.venue_id
	Name        string        `json:"name"`                 // class_sessions.name
	SessionDate Date          `json:"sessionDate"`          // class_sessions.session_date
	StartAt     time.Time     `json:"startAt"`              // class_sessions.start_at
	EndAt       time.Time     `json:"endAt"`                // class_sessions.end_at
	Capacity    int           `json:"capacity"`             // class_sessions.capacity
	Status      SessionStatus `json:"status"`               // class_sessions.status
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Bookable reports whether new reservations may be taken at now.
func (s ClassSession) Bookable(now time.Time) bool {
	return s.Status == SessionScheduled && s.StartAt.After(now)
}

// SessionCapacity summarises occupancy of one session.
type SessionCapacity struct {
	SessionID  uint64 `json:"sessionId"`
	Capacity   int    `json:"capacity"`
	Reserved   int    `json:"reserved"`
	CheckedIn  int    `json:"checkedIn"`
	Waitlisted int    `json:"waitlisted"`
	Available  int    `json:"available"`
}

// TemplateCoverage describes how much of a rolling window is generated for
// one active template.
type TemplateCoverage struct {
	TemplateID   uint64 `json:"templateId"`
	TemplateName string `json:"templateName"`
	Expected     int    `json:"expected"`
	Existing     int    `json:"existing"`
	Missing      []Date `json:"missing"`
}
