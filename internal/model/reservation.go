package model

import "time"

type ReservationStatus string

const (
	ReservationReserved   ReservationStatus = "reserved"
	ReservationWaitlisted ReservationStatus = "waitlisted"
	ReservationCanceled   ReservationStatus = "canceled"
	ReservationCheckedIn  ReservationStatus = "checked_in"
	ReservationNoShow     ReservationStatus = "no_show"
)

// Occupies reports whether a fact in this status holds a place (and its
// seat) in the session.
func (s ReservationStatus) Occupies() bool {
	return s == ReservationReserved || s == ReservationCheckedIn
}

// Source records why a reservation exists.
type Source string

const (
	SourceManual   Source = "manual"
	SourceStanding Source = "standing"
	SourceOverride Source = "override"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceStanding, SourceOverride:
		return true
	}
	return false
}

// CancelOrigin records who canceled a fact.  Only policy cancellations are
// undone by a later materialization.
type CancelOrigin string

const (
	CanceledByPerson  CancelOrigin = "person"  // the member or staff canceled it
	CanceledByPolicy  CancelOrigin = "policy"  // a standing-booking change withdrew it
	CanceledBySession CancelOrigin = "session" // the session itself was canceled
)

// Reservation is one (session, person) booking fact.  Rows are never
// deleted; a canceled row is reactivated when the person books again.
type Reservation struct {
	ID         uint64            `json:"id"`                   // reservations.id
	SessionID  uint64            `json:"sessionId"`            // reservations.session_id
	PersonID   uint64            `json:"personId"`             // reservations.person_id
	SeatID     *uint64           `json:"seatId,omitempty"`     // reservations.seat_id (nullable)
	Status     ReservationStatus `json:"status"`               // reservations.status
	Source     Source            `json:"source"`               // reservations.source
	ReservedAt time.Time         `json:"reservedAt"`           // reservations.reserved_at
	CheckinAt  *time.Time        `json:"checkinAt,omitempty"`  // reservations.checkin_at (nullable)
	CheckoutAt *time.Time        `json:"checkoutAt,omitempty"` // reservations.checkout_at (nullable)
	CanceledBy CancelOrigin      `json:"canceledBy,omitempty"` // reservations.canceled_by (nullable)
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// RejectReason is the typed outcome of a reservation attempt that did not
// produce a new fact.
type RejectReason string

const (
	RejectAlreadyBooked      RejectReason = "already_booked"
	RejectSeatTaken          RejectReason = "seat_taken"
	RejectSessionFull        RejectReason = "session_full"
	RejectSessionNotBookable RejectReason = "session_not_bookable"
)
