package handler // handler implements the HTTP endpoints

import (
	"context"      // context bounds the ping
	"database/sql" // sql.DB is pinged for readiness
	"net/http"     // http status codes
	"time"         // time sets the ping timeout

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing
)

// Health answers load balancer health checks.  With a database it also pings the
// store and reports 503 when it is unreachable.
func Health(db *sql.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		if db != nil {
			// A slow store should not hold the health check open.
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "store unavailable"})
			}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	}
}
