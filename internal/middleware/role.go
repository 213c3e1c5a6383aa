package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http defines the 403 status code
	"strings"  // strings normalises role names

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context
)

// Roles accepted by the admin API.  They match the upper-cased "role"
// claim that JWTAuth stores on the context.
const (
	RoleAdmin = "ADMIN" // full access
	RoleStaff = "STAFF" // front desk and class staff
)

// RequireRole allows the request only when JWTAuth stored one of roles.
// Any other role, or a missing one, is answered with 403 Forbidden.  It
// must run after JWTAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	// Build the allowed set once; lookups are then a single map access.
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[strings.ToUpper(r)] = true // claims are compared upper-cased
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// JWTAuth stores the role as a string; anything else counts as missing.
			role, ok := c.Get(CtxRole).(string)
			if !ok || !allowed[role] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			// Role accepted: continue down the chain.
			return next(c)
		}
	}
}
