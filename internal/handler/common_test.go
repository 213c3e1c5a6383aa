package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/model"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
)

func serve(t *testing.T, h echo.HandlerFunc) (int, map[string]string) {
	t.Helper()
	e := echo.New()
	e.Validator = NewValidator()
	e.HTTPErrorHandler = ErrorHandler
	e.GET("/x/:id", h)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x/1?from=2030-01-01", nil))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{repository.ErrStandingNotFound, http.StatusNotFound},
		{fmt.Errorf("create: %w", repository.ErrActiveRuleExists), http.StatusConflict},
		{repository.ErrSeatCommitted, http.StatusConflict},
		{repository.ErrInvalidTransition, http.StatusConflict},
		{repository.ErrDuplicateSeatLabel, http.StatusConflict},
		{fmt.Errorf("%w: 2 places are taken", repository.ErrCapacityBelowOccupancy), http.StatusConflict},
		{fmt.Errorf("%w: template 3 is inactive", repository.ErrInvalidTemplate), http.StatusUnprocessableEntity},
		{repository.ErrSeatInvalid, http.StatusUnprocessableEntity},
		{repository.ErrInvalidWindow, http.StatusUnprocessableEntity},
		{repository.ErrExceptionInvalid, http.StatusUnprocessableEntity},
		{repository.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		code, body := serve(t, func(c echo.Context) error { return respondError(c, tc.err) })
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.err.Error(), body["error"])
	}

	code, body := serve(t, func(c echo.Context) error { return respondError(c, errors.New("disk on fire")) })
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal error", body["error"], "internal details are not leaked")
}

func TestErrorHandlerRendersHTTPErrors(t *testing.T) {
	code, body := serve(t, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid request body", body["error"])

	code, body = serve(t, func(c echo.Context) error { return repository.ErrSessionNotFound })
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "session not found", body["error"])
}

func TestParamHelpers(t *testing.T) {
	code, body := serve(t, func(c echo.Context) error {
		id, ok := pathID(c, "id")
		require.True(t, ok)
		from, err := queryDate(c, "from", model.Date{})
		require.NoError(t, err)
		n, err := queryUint(c, "missing")
		require.NoError(t, err)
		return c.JSON(http.StatusOK, map[string]string{"id": fmt.Sprint(id), "from": from.String(), "n": fmt.Sprint(n)})
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"id": "1", "from": "2030-01-01", "n": "0"}, body)
}
