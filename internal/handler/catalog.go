package handler // handler implements the HTTP endpoints

import (
	"net/http" // http status codes
	"strconv"  // strconv parses the weeks parameter
	"time"     // time supplies the handler clock

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/iliyamo/gym-standing-booking/internal/model"      // catalog types
	"github.com/iliyamo/gym-standing-booking/internal/repository" // venue, template, session and ledger stores
	"github.com/iliyamo/gym-standing-booking/internal/service"    // materializes new sessions
)

// CatalogHandler serves venues, seats, templates and sessions.
type CatalogHandler struct {
	Venues    *repository.VenueRepo
	Templates *repository.TemplateRepo
	Sessions  *repository.SessionRepo
	Ledger    *repository.ReservationRepo
	Rules     *repository.StandingRepo
	Standing  *service.StandingService
	Now       func() time.Time // replaced by the router with the app clock
}

// NewCatalogHandler panics on a nil dependency.
func NewCatalogHandler(
	venues *repository.VenueRepo,
	templates *repository.TemplateRepo,
	sessions *repository.SessionRepo,
	ledger *repository.ReservationRepo,
	rules *repository.StandingRepo,
	standing *service.StandingService,
) *CatalogHandler {
	if venues == nil || templates == nil || sessions == nil || ledger == nil || rules == nil || standing == nil {
		panic("nil dependency passed to NewCatalogHandler")
	}
	return &CatalogHandler{
		Venues: venues, Templates: templates, Sessions: sessions,
		Ledger: ledger, Rules: rules, Standing: standing, Now: time.Now,
	}
}

// today is the current date in the venue zone.
func (h *CatalogHandler) today() model.Date {
	return model.DateOf(h.Now(), h.Sessions.Location())
}

// window reads ?from=&to= or ?weeks= (default 8) starting today.
func (h *CatalogHandler) window(c echo.Context) (model.Date, model.Date, error) {
	from, err := queryDate(c, "from", h.today())
	if err != nil {
		return from, from, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	weeks := 8 // default window
	if s := c.QueryParam("weeks"); s != "" {
		if weeks, err = strconv.Atoi(s); err != nil || weeks < 1 || weeks > 52 {
			return from, from, echo.NewHTTPError(http.StatusBadRequest, "weeks must be between 1 and 52")
		}
	}
	// An explicit to wins over weeks.
	to, err := queryDate(c, "to", from.AddDays(7*weeks-1))
	if err != nil || to.Before(from) {
		return from, from, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}
	return from, to, nil
}

// CreateVenue handles POST /v1/venues.
func (h *CatalogHandler) CreateVenue(c echo.Context) error {
	var body struct {
		Name     string `json:"name" validate:"required,max=120"`
		Capacity int    `json:"capacity" validate:"required,min=1"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	v := &model.Venue{Name: body.Name, Capacity: body.Capacity}
	// Create fills in the id and creation time.
	if err := h.Venues.Create(c.Request().Context(), v); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

// AddSeat handles POST /v1/venues/:id/seats.
func (h *CatalogHandler) AddSeat(c echo.Context) error {
	venueID, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		Label string `json:"label" validate:"required,max=32"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	s := &model.Seat{VenueID: venueID, Label: body.Label}
	if err := h.Venues.AddSeat(c.Request().Context(), s); err != nil {
		return respondError(c, err) // 409 when the label is taken in this venue
	}
	return c.JSON(http.StatusCreated, s)
}

// ListSeats handles GET /v1/venues/:id/seats.
func (h *CatalogHandler) ListSeats(c echo.Context) error {
	venueID, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	seats, err := h.Venues.ListSeats(c.Request().Context(), venueID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, seats)
}

// CreateTemplate handles POST /v1/templates.
func (h *CatalogHandler) CreateTemplate(c echo.Context) error {
	var body struct {
		VenueID         uint64 `json:"venueId" validate:"required"`
		Name            string `json:"name" validate:"required,max=120"`
		Weekday         *int   `json:"weekday" validate:"required,min=0,max=6"` // pointer so Sunday (0) passes required
		StartTimeLocal  string `json:"startTimeLocal" validate:"required"`
		DurationMin     int    `json:"durationMin" validate:"required,min=1,max=1440"`
		DefaultCapacity *int   `json:"defaultCapacity,omitempty" validate:"omitempty,min=1"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	// Start time is HH:MM in the venue zone.
	if _, _, err := model.ParseClock(body.StartTimeLocal); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	}
	t := &model.ClassTemplate{
		VenueID:         body.VenueID,
		Name:            body.Name,
		Weekday:         *body.Weekday,
		StartTimeLocal:  body.StartTimeLocal,
		DurationMin:     body.DurationMin,
		DefaultCapacity: body.DefaultCapacity,
	}
	if err := h.Templates.Create(c.Request().Context(), t); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// ListTemplates handles GET /v1/templates?active=true.
func (h *CatalogHandler) ListTemplates(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true" // any other value lists all
	list, err := h.Templates.List(c.Request().Context(), activeOnly)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// SetTemplateActive handles PATCH /v1/templates/:id/active.
func (h *CatalogHandler) SetTemplateActive(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		Active *bool `json:"active" validate:"required"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	t, err := h.Templates.SetActive(c.Request().Context(), id, *body.Active)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// AvailableSeats handles GET /v1/templates/:id/seats/available.
func (h *CatalogHandler) AvailableSeats(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	from, to, err := h.window(c)
	if err != nil {
		return err
	}
	// Seats no active rule holds on this template for the window.
	seats, err := h.Rules.AvailableSeats(c.Request().Context(), id, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, seats)
}

// GenerateSessions handles POST /v1/templates/:id/sessions/generate.  The
// new sessions get their standing reservations on the next run.
func (h *CatalogHandler) GenerateSessions(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	from, to, err := h.window(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	tpl, err := h.Templates.GetByID(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	if !tpl.IsActive {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "template is inactive"})
	}
	// Idempotent: existing sessions are returned, missing ones created.
	sessions, err := h.Sessions.EnsureSessions(ctx, tpl, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"from": from, "to": to, "sessions": sessions})
}

// CreateSession handles POST /v1/sessions.  With templateId and date it
// creates (or returns) that occurrence and materializes the template's
// rules onto it; otherwise it creates an ad-hoc session.
func (h *CatalogHandler) CreateSession(c echo.Context) error {
	var body struct {
		TemplateID  uint64     `json:"templateId,omitempty"`
		Date        model.Date `json:"date"`
		VenueID     uint64     `json:"venueId,omitempty"`
		Name        string     `json:"name,omitempty" validate:"max=120"`
		StartAt     time.Time  `json:"startAt"`
		DurationMin int        `json:"durationMin,omitempty" validate:"omitempty,min=1,max=1440"`
		Capacity    int        `json:"capacity,omitempty" validate:"omitempty,min=1"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()

	// Template occurrence.
	if body.TemplateID != 0 {
		if body.Date.IsZero() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "date is required with templateId"})
		}
		tpl, err := h.Templates.GetByID(ctx, body.TemplateID)
		if err != nil {
			return respondError(c, err)
		}
		if !tpl.IsActive || !tpl.OccursOn(body.Date) {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "template does not run on that date"})
		}
		sessions, err := h.Sessions.EnsureSessions(ctx, tpl, body.Date, body.Date)
		if err != nil {
			return respondError(c, err)
		}
		if len(sessions) != 1 {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "template does not run on that date"})
		}
		// Book the template's active rules onto the new occurrence.
		rep, err := h.Standing.MaterializeSession(ctx, sessions[0].ID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, echo.Map{"session": sessions[0], "report": rep})
	}

	// Ad-hoc session; capacity falls back to the venue's.
	if body.VenueID == 0 || body.Name == "" || body.StartAt.IsZero() || body.DurationMin == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "venueId, name, startAt and durationMin are required"})
	}
	s, err := h.Sessions.CreateAdHoc(ctx, repository.AdHocSession{
		VenueID:     body.VenueID,
		Name:        body.Name,
		StartAt:     body.StartAt,
		DurationMin: body.DurationMin,
		Capacity:    body.Capacity,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"session": s})
}

// GetSession handles GET /v1/sessions/:id.
func (h *CatalogHandler) GetSession(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	s, err := h.Sessions.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// CancelSession handles POST /v1/sessions/:id/cancel.
func (h *CatalogHandler) CancelSession(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		CancelReservations bool `json:"cancelReservations"` // also cancel reserved and waitlisted facts
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	s, n, err := h.Sessions.Cancel(c.Request().Context(), id, body.CancelReservations)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"session": s, "canceledReservations": n})
}

// Coverage handles GET /v1/sessions/coverage.
func (h *CatalogHandler) Coverage(c echo.Context) error {
	from, to, err := h.window(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	templates, err := h.Templates.List(ctx, true) // only active templates are expected to have sessions
	if err != nil {
		return respondError(c, err)
	}
	cov, err := h.Sessions.Coverage(ctx, templates, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"from": from, "to": to, "templates": cov})
}

// Capacity handles GET /v1/sessions/:id/capacity.
func (h *CatalogHandler) Capacity(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	info, err := h.Ledger.Capacity(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// ListSessions handles GET /v1/sessions?from=&to=&venueId=&status=.
func (h *CatalogHandler) ListSessions(c echo.Context) error {
	from, to, err := h.window(c) // defaults to the next 8 weeks
	if err != nil {
		return err
	}
	f := repository.SessionFilter{From: from, To: to}
	if f.VenueID, err = queryUint(c, "venueId"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid venueId"})
	}
	if st := c.QueryParam("status"); st != "" {
		f.Status = model.SessionStatus(st)
		if !f.Status.Valid() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid status"})
		}
	}
	sessions, err := h.Sessions.ListByDateRange(c.Request().Context(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// CompleteSession handles POST /v1/sessions/:id/complete.
func (h *CatalogHandler) CompleteSession(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	s, err := h.Sessions.Complete(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err) // 409 when the session is canceled
	}
	return c.JSON(http.StatusOK, s)
}

// UpdateCapacity handles PATCH /v1/sessions/:id/capacity.
func (h *CatalogHandler) UpdateCapacity(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	var body struct {
		Capacity int `json:"capacity" validate:"required,min=1"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	s, err := h.Sessions.UpdateCapacity(c.Request().Context(), id, body.Capacity)
	if err != nil {
		return respondError(c, err) // 409 below current occupancy
	}
	return c.JSON(http.StatusOK, s)
}

// FreeSeats handles GET /v1/sessions/:id/seats/available.
func (h *CatalogHandler) FreeSeats(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badID(c)
	}
	seats, err := h.Ledger.FreeSeats(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, seats)
}
