// Package repository holds the persistence side of the booking core: the
// session catalog, the reservation ledger, the standing rule store and the
// exception store.  Sentinel errors below are matched with errors.Is by the
// engine, the services and the HTTP handlers.
package repository

import (
	"errors"
	"fmt"

	"github.com/iliyamo/gym-standing-booking/internal/database"
)

// ErrNotFound is wrapped by every "no such row" error.
var ErrNotFound = errors.New("not found")

var (
	ErrVenueNotFound       = fmt.Errorf("venue %w", ErrNotFound)
	ErrSeatNotFound        = fmt.Errorf("seat %w", ErrNotFound)
	ErrTemplateNotFound    = fmt.Errorf("template %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)
	ErrStandingNotFound    = fmt.Errorf("standing booking %w", ErrNotFound)
)

var (
	// ErrInvalidTemplate: the template is missing or inactive.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrStoreUnavailable: the database could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrActiveRuleExists: a second active rule for one (person, subscription, template).
	ErrActiveRuleExists = errors.New("an active standing booking already exists for this slot")
	// ErrSeatCommitted: another active rule holds the seat on the template for an overlapping window.
	ErrSeatCommitted = errors.New("seat is already committed to another standing booking")
	// ErrSeatInvalid: the seat does not belong to the venue or is inactive.
	ErrSeatInvalid        = errors.New("seat is not usable for this venue")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidWindow      = errors.New("invalid date window")
	ErrExceptionInvalid   = errors.New("invalid exception")
	ErrDuplicateSeatLabel = errors.New("seat label already exists in venue")
	// ErrCapacityBelowOccupancy: a capacity change would leave fewer places than are taken.
	ErrCapacityBelowOccupancy = errors.New("capacity below current occupancy")
)

// storeErr annotates err with op and, when the failure is a connectivity
// problem, with ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if database.IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
