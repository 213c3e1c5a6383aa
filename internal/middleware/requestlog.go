package middleware // middleware provides shared request processing for handlers

import (
	"time" // time measures request latency

	"github.com/google/uuid"      // uuid generates request ids
	"github.com/labstack/echo/v4" // echo provides middleware chaining and context

	"github.com/iliyamo/gym-standing-booking/internal/logging" // request-scoped zerolog logger
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestLogger tags every request with an id (taken from X-Request-ID or
// freshly generated), attaches a request-scoped zerolog logger to the
// request context and logs one line when the request completes.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now() // latency is measured from here
			req := c.Request()

			// Reuse the caller's id so logs correlate across services.
			id := req.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			ctx := logging.WithRequestID(req.Context(), id)
			c.SetRequest(req.WithContext(ctx))
			c.Response().Header().Set(RequestIDHeader, id) // echo the id back to the client

			// Render errors here so the logged status is the one sent.
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// Server errors log at error level with the cause; the rest at info.
			status := c.Response().Status
			ev := logging.FromContext(ctx).Info()
			if status >= 500 {
				ev = logging.FromContext(ctx).Error().Err(err)
			}
			ev.Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()). // route template, e.g. /v1/sessions/:id
				Int("status", status).
				Str("remote_ip", c.RealIP()).
				Dur("latency", time.Since(start)).
				Msg("request completed")
			return nil // already rendered by c.Error
		}
	}
}
