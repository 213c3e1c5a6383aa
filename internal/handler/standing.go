package handler // handler implements the HTTP endpoints

import (
	"net/http" // http status codes
	"strconv"  // strconv parses horizonDays

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/iliyamo/gym-standing-booking/internal/model"      // standing booking types
	"github.com/iliyamo/gym-standing-booking/internal/repository" // rule and exception stores
	"github.com/iliyamo/gym-standing-booking/internal/service"    // lifecycle orchestration
)

// StandingHandler manages standing bookings and their exceptions.
type StandingHandler struct {
	Service    *service.StandingService
	Rules      *repository.StandingRepo
	Exceptions *repository.ExceptionRepo
}

// NewStandingHandler panics on a nil dependency.
func NewStandingHandler(svc *service.StandingService, rules *repository.StandingRepo, exceptions *repository.ExceptionRepo) *StandingHandler {
	if svc == nil || rules == nil || exceptions == nil {
		panic("nil dependency passed to NewStandingHandler")
	}
	return &StandingHandler{Service: svc, Rules: rules, Exceptions: exceptions}
}

// Create handles POST /v1/standing-bookings.
func (h *StandingHandler) Create(c echo.Context) error {
	var body service.EnrollInput
	if err := bind(c, &body); err != nil {
		return err
	}
	// Enroll validates the slot, stores the rule and materializes it.
	out, err := h.Service.Enroll(c.Request().Context(), body)
	if err != nil {
		return respondError(c, err) // 409 duplicate rule or committed seat, 422 bad slot
	}
	return c.JSON(http.StatusCreated, out)
}

// List handles GET /v1/standing-bookings with optional personId,
// subscriptionId, templateId and status filters.
func (h *StandingHandler) List(c echo.Context) error {
	var (
		f   repository.StandingFilter
		err error
	)
	// Each numeric filter is optional; 0 means "any".
	for name, dst := range map[string]*uint64{
		"personId":       &f.PersonID,
		"subscriptionId": &f.SubscriptionID,
		"templateId":     &f.TemplateID,
	} {
		if *dst, err = queryUint(c, name); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid " + name})
		}
	}
	if s := c.QueryParam("status"); s != "" {
		f.Status = model.StandingStatus(s)
		if !f.Status.Valid() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid status"})
		}
	}
	rules, err := h.Rules.List(c.Request().Context(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rules)
}

// Get handles GET /v1/standing-bookings/:id.
func (h *StandingHandler) Get(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	rule, err := h.Rules.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// SetStatus handles PATCH /v1/standing-bookings/:id/status.
func (h *StandingHandler) SetStatus(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		Status model.StandingStatus `json:"status" validate:"required,oneof=active paused canceled"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	// Resuming re-materializes; pausing may withdraw future facts.
	out, err := h.Service.SetLifecycle(c.Request().Context(), id, body.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// ChangeSlot handles PATCH /v1/standing-bookings/:id/slot.
func (h *StandingHandler) ChangeSlot(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		TemplateID uint64  `json:"templateId" validate:"required"` // may equal the current template
		SeatID     *uint64 `json:"seatId,omitempty"`               // nil drops the seat
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	out, err := h.Service.ChangeSlot(c.Request().Context(), id, body.TemplateID, body.SeatID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// SetWindow handles PATCH /v1/standing-bookings/:id/window.
func (h *StandingHandler) SetWindow(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		StartDate model.Date `json:"startDate"`
		EndDate   model.Date `json:"endDate"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	// The store rejects an inverted window with 422.
	out, err := h.Service.SetWindow(c.Request().Context(), id, body.StartDate, body.EndDate)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Renew handles POST /v1/standing-bookings/:id/renew.
func (h *StandingHandler) Renew(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body service.RenewInput
	if err := bind(c, &body); err != nil {
		return err
	}
	// Renewal supersedes the rule with a new one that keeps its seat.
	out, err := h.Service.RenewRule(c.Request().Context(), id, body)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

// Preview handles GET /v1/standing-bookings/:id/preview?horizonDays=.
func (h *StandingHandler) Preview(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	horizon := 0 // 0: the configured default
	if s := c.QueryParam("horizonDays"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 366 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "horizonDays must be between 1 and 366"})
		}
		horizon = n
	}
	// Preview is read-only; nothing is booked.
	p, err := h.Service.Preview(c.Request().Context(), id, horizon)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// RecordException handles POST /v1/standing-bookings/:id/exceptions.
func (h *StandingHandler) RecordException(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		SessionDate  model.Date            `json:"sessionDate"`
		Action       model.ExceptionAction `json:"action" validate:"required,oneof=skip reschedule"`
		NewSessionID *uint64               `json:"newSessionId,omitempty"`
		Notes        *string               `json:"notes,omitempty" validate:"omitempty,max=255"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.SessionDate.IsZero() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "sessionDate is required"})
	}
	ctx := c.Request().Context()
	var (
		out *service.OccurrenceChange
		err error
	)
	// Both actions cancel the original occurrence; reschedule also books the new session.
	if body.Action == model.ExceptionSkip {
		out, err = h.Service.SkipOccurrence(ctx, id, body.SessionDate, body.Notes)
	} else {
		if body.NewSessionID == nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "newSessionId is required for reschedule"})
		}
		out, err = h.Service.RescheduleOccurrence(ctx, id, body.SessionDate, *body.NewSessionID, body.Notes)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

// ListExceptions handles GET /v1/standing-bookings/:id/exceptions.
func (h *StandingHandler) ListExceptions(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	ctx := c.Request().Context()
	// An unknown rule is a 404 rather than an empty list.
	if _, err := h.Rules.GetByID(ctx, id); err != nil {
		return respondError(c, err)
	}
	list, err := h.Exceptions.ListForRule(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}
