package model

import "time"

type StandingStatus string

const (
	StandingActive   StandingStatus = "active"
	StandingPaused   StandingStatus = "paused"
	StandingCanceled StandingStatus = "canceled"
)

func (s StandingStatus) Valid() bool {
	switch s {
	case StandingActive, StandingPaused, StandingCanceled:
		return true
	}
	return false
}

// StandingBooking is a durable weekly commitment of a person to a template
// (and optionally a seat) for the validity window of a subscription.
type StandingBooking struct {
	ID             uint64         `json:"id"`               // standing_bookings.id
	PersonID       uint64         `json:"personId"`         // standing_bookings.person_id
	SubscriptionID uint64         `json:"subscriptionId"`   // standing_bookings.subscription_id
	TemplateID     uint64         `json:"templateId"`       // standing_bookings.template_id
	SeatID         *uint64        `json:"seatId,omitempty"` // standing_bookings.seat_id (nullable)
	StartDate      Date           `json:"startDate"`        // standing_bookings.start_date
	EndDate        Date           `json:"endDate"`          // standing_bookings.end_date
	Status         StandingStatus `json:"status"`           // standing_bookings.status
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Covers reports whether d falls inside [StartDate, EndDate].
func (b StandingBooking) Covers(d Date) bool {
	return !d.Before(b.StartDate) && !d.After(b.EndDate)
}

type ExceptionAction string

const (
	ExceptionSkip       ExceptionAction = "skip"
	ExceptionReschedule ExceptionAction = "reschedule"
)

func (a ExceptionAction) Valid() bool {
	return a == ExceptionSkip || a == ExceptionReschedule
}

// StandingException overrides a single occurrence of a standing booking.
type StandingException struct {
	ID                uint64          `json:"id"`                     // standing_booking_exceptions.id
	StandingBookingID uint64          `json:"standingBookingId"`      // standing_booking_exceptions.standing_booking_id
	SessionDate       Date            `json:"sessionDate"`            // standing_booking_exceptions.session_date
	Action            ExceptionAction `json:"action"`                 // standing_booking_exceptions.action
	NewSessionID      *uint64         `json:"newSessionId,omitempty"` // standing_booking_exceptions.new_session_id (nullable)
	Notes             *string         `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}
