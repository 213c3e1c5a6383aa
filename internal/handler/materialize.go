package handler // handler implements the HTTP endpoints

import (
	"errors"   // errors classifies the failure of a partial run
	"net/http" // http status codes

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/iliyamo/gym-standing-booking/internal/materialize" // rule selector and report
	"github.com/iliyamo/gym-standing-booking/internal/repository"  // sentinel errors
	"github.com/iliyamo/gym-standing-booking/internal/service"     // standing booking service
)

// MaterializeHandler triggers engine runs on demand.
type MaterializeHandler struct {
	Service *service.StandingService
}

// NewMaterializeHandler panics on a nil service; wiring errors surface at startup.
func NewMaterializeHandler(svc *service.StandingService) *MaterializeHandler {
	if svc == nil {
		panic("nil service passed to NewMaterializeHandler")
	}
	return &MaterializeHandler{Service: svc}
}

// Run handles POST /v1/materialize.  The report is returned even when the
// run stopped early; the status code then reflects the failure.
func (h *MaterializeHandler) Run(c echo.Context) error {
	// The selector fields sit at the top level of the body.
	var body struct {
		materialize.RuleSelector
		HorizonDays int `json:"horizonDays" validate:"omitempty,min=1,max=366"` // 0: configured default
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	rep, err := h.Service.Materialize(c.Request().Context(), body.RuleSelector, body.HorizonDays, service.TriggerManual)
	if err == nil {
		return c.JSON(http.StatusOK, rep)
	}
	// Partial run: the body is still the report, with its error field set.
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrInvalidTemplate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, rep)
}
