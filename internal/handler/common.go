// Package handler implements the admin/staff HTTP API on top of the
// repositories and the standing booking service.
package handler

import (
	"errors"   // errors matches sentinel errors from the repositories
	"net/http" // http status codes
	"strconv"  // strconv parses numeric path and query parameters
	"strings"  // strings joins validation messages

	"github.com/go-playground/validator/v10" // struct tag validation of request bodies
	"github.com/labstack/echo/v4"            // Echo framework for HTTP routing

	"github.com/iliyamo/gym-standing-booking/internal/logging"    // request-scoped zerolog logger
	"github.com/iliyamo/gym-standing-booking/internal/model"      // domain types (dates)
	"github.com/iliyamo/gym-standing-booking/internal/repository" // sentinel errors
)

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator { return &Validator{v: validator.New()} }

// Validate runs the `validate` struct tags.
func (cv *Validator) Validate(i interface{}) error { return cv.v.Struct(i) }

// bind decodes the body and runs struct validation.  Failures come back as
// 400 HTTP errors for ErrorHandler to render.
func bind(c echo.Context, body any) error {
	// Malformed JSON or wrong field types.
	if err := c.Bind(body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	// Tag violations are listed as "<Field> failed <tag>".
	if err := c.Validate(body); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			return echo.NewHTTPError(http.StatusBadRequest, "validation failed: "+strings.Join(fields, ", "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// ErrorHandler renders every error as {"error": message}.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return // a handler already wrote the response
	}
	// echo errors (404 route, 405, bind failures) keep their code.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code) // non-string messages fall back to the status text
		}
		_ = c.JSON(he.Code, echo.Map{"error": msg})
		return
	}
	// Anything else is a domain error.
	_ = respondError(c, err)
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// badID answers a malformed or zero id.
func badID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
}

// queryUint reads an optional numeric query parameter; 0 when absent.
func queryUint(c echo.Context, name string) (uint64, error) {
	s := c.QueryParam(name)
	if s == "" {
		return 0, nil // absent filters match everything
	}
	return strconv.ParseUint(s, 10, 64)
}

// queryDate reads an optional YYYY-MM-DD query parameter.
func queryDate(c echo.Context, name string, def model.Date) (model.Date, error) {
	s := c.QueryParam(name)
	if s == "" {
		return def, nil
	}
	return model.ParseDate(s)
}

// respondError maps domain errors onto status codes.
func respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError // unknown errors
	switch {
	case errors.Is(err, repository.ErrNotFound): // every *NotFound wraps it
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrActiveRuleExists),
		errors.Is(err, repository.ErrSeatCommitted),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrDuplicateSeatLabel),
		errors.Is(err, repository.ErrCapacityBelowOccupancy):
		status = http.StatusConflict // the request clashes with current state
	case errors.Is(err, repository.ErrInvalidTemplate),
		errors.Is(err, repository.ErrSeatInvalid),
		errors.Is(err, repository.ErrInvalidWindow),
		errors.Is(err, repository.ErrExceptionInvalid):
		status = http.StatusUnprocessableEntity // well-formed but semantically invalid
	case errors.Is(err, repository.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable // the client may retry
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request().Context()).Error().Err(err).Msg("request failed")
		if status == http.StatusInternalServerError {
			// Internal details stay in the log.
			return c.JSON(status, echo.Map{"error": "internal error"})
		}
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
