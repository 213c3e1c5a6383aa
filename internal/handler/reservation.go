package handler // handler implements the HTTP endpoints

import (
	"context"  // context is passed to ledger transitions
	"net/http" // http status codes
	"time"     // time builds the open date range defaults

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/iliyamo/gym-standing-booking/internal/model"      // reservation types
	"github.com/iliyamo/gym-standing-booking/internal/repository" // reservation ledger
)

// ReservationHandler exposes the reservation ledger to staff.
type ReservationHandler struct {
	Ledger *repository.ReservationRepo
}

// NewReservationHandler panics on a nil ledger.
func NewReservationHandler(ledger *repository.ReservationRepo) *ReservationHandler {
	if ledger == nil {
		panic("nil ledger passed to NewReservationHandler")
	}
	return &ReservationHandler{Ledger: ledger}
}

// Reserve handles POST /v1/sessions/:id/reservations.  A rejection is a
// 409 carrying the reason and, for already_booked, the existing fact.
func (h *ReservationHandler) Reserve(c echo.Context) error {
	sessionID, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		PersonID uint64  `json:"personId" validate:"required"`
		SeatID   *uint64 `json:"seatId,omitempty"` // nil books an unseated place
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := h.Ledger.TryReserve(c.Request().Context(), repository.ReserveRequest{
		SessionID: sessionID,
		PersonID:  body.PersonID,
		SeatID:    body.SeatID,
		Source:    model.SourceManual, // staff bookings are always manual
	})
	if err != nil {
		return respondError(c, err) // store failure or a seat from another venue
	}
	// Contention is a typed rejection, not an error.
	if !res.Created() {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":       "reservation rejected",
			"reason":      res.Rejection,
			"reservation": res.Reservation,
		})
	}
	return c.JSON(http.StatusCreated, res.Reservation)
}

// ListBySession handles GET /v1/sessions/:id/reservations.
func (h *ReservationHandler) ListBySession(c echo.Context) error {
	sessionID, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	facts, err := h.Ledger.ListBySession(c.Request().Context(), sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, facts)
}

// ListByPerson handles GET /v1/people/:id/reservations?from=&to=.
func (h *ReservationHandler) ListByPerson(c echo.Context) error {
	personID, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	// Without bounds the whole history is returned.
	from, err := queryDate(c, "from", model.NewDate(1970, time.January, 1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid from date"})
	}
	to, err := queryDate(c, "to", model.NewDate(9999, time.December, 31))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid to date"})
	}
	facts, err := h.Ledger.ListByPerson(c.Request().Context(), personID, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, facts)
}

// transition runs one ledger status change on the fact named by :id.
func (h *ReservationHandler) transition(c echo.Context, apply func(context.Context, uint64) (*model.Reservation, error)) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	r, err := apply(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err) // 409 for a transition the status does not allow
	}
	return c.JSON(http.StatusOK, r)
}

// Cancel handles POST /v1/reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c echo.Context) error { return h.transition(c, h.Ledger.Cancel) }

// CheckIn handles POST /v1/reservations/:id/check-in.
func (h *ReservationHandler) CheckIn(c echo.Context) error { return h.transition(c, h.Ledger.CheckIn) }

// NoShow handles POST /v1/reservations/:id/no-show.
func (h *ReservationHandler) NoShow(c echo.Context) error {
	return h.transition(c, h.Ledger.MarkNoShow)
}

// Checkout handles POST /v1/reservations/:id/checkout.  Only a checked-in
// fact can check out; its status does not change.
func (h *ReservationHandler) Checkout(c echo.Context) error {
	return h.transition(c, h.Ledger.Checkout)
}
