// Package middleware holds the echo middleware of the admin API: bearer
// token verification, role checks, request logging, rate limiting and the
// response cache.
package middleware

import (
	"fmt"      // fmt renders numeric subject claims
	"net/http" // http provides the 401 status code
	"strings"  // strings strips the Bearer prefix

	"github.com/golang-jwt/jwt/v5" // jwt parses and verifies HS256 access tokens
	"github.com/labstack/echo/v4"  // echo provides middleware chaining and context

	"github.com/iliyamo/gym-standing-booking/internal/logging" // request-scoped zerolog logger
)

// Context keys set by JWTAuth.
const (
	CtxUserID = "user_id" // token subject
	CtxRole   = "role"    // upper-cased role claim
)

// JWTAuth verifies an HS256 bearer token issued by the identity service and
// stores its subject and role claims on the echo context.  Tokens are never
// issued here.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Expect "Authorization: Bearer <token>".
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Parse and verify the signature.  Only HMAC keys are accepted, so
			// a token claiming "none" or an RSA algorithm is rejected.
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !tok.Valid {
				// Expired or badly signed tokens land here; logged at debug only.
				logging.FromContext(c.Request().Context()).Debug().Err(err).Msg("rejected bearer token")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}

			// Expose the identity to later middleware and handlers.
			c.Set(CtxUserID, claimString(claims["sub"]))
			role, _ := claims["role"].(string) // a missing role becomes "" and fails RequireRole
			c.Set(CtxRole, strings.ToUpper(role))
			return next(c)
		}
	}
}

// claimString renders a string or numeric subject.
func claimString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; print without a fraction.
		return fmt.Sprintf("%.0f", s)
	}
	return ""
}

// UserID returns the authenticated subject, or "anon".
func UserID(c echo.Context) string {
	if s, ok := c.Get(CtxUserID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
