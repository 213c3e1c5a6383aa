// Package router registers the HTTP routes of the standing booking API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/gym-standing-booking/internal/app"
	"github.com/iliyamo/gym-standing-booking/internal/config"
	"github.com/iliyamo/gym-standing-booking/internal/handler"
	"github.com/iliyamo/gym-standing-booking/internal/middleware"
)

// Options carries what the middleware chain needs.  A nil Redis client
// turns rate limiting and caching off.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Redis     *redis.Client
}

// New builds an Echo instance with the validator, the error renderer and
// every route installed.
func New(a *app.App, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(middleware.RequestLogger())

	Register(e, a, opts)
	return e
}

// Register installs the health check and the authenticated /v1 API.
func Register(e *echo.Echo, a *app.App, opts Options) {
	e.GET("/healthz", handler.Health(a.DB))

	catalog := handler.NewCatalogHandler(a.Venues, a.Templates, a.Sessions, a.Ledger, a.Rules, a.Standing)
	catalog.Now = a.Now
	reservations := handler.NewReservationHandler(a.Ledger)
	standing := handler.NewStandingHandler(a.Standing, a.Rules, a.Exceptions)
	runs := handler.NewMaterializeHandler(a.Standing)

	g := e.Group(
		"/v1",
		middleware.JWTAuth(opts.JWTSecret),
		middleware.RequireRole(middleware.RoleAdmin, middleware.RoleStaff),
		middleware.NewTokenBucket(opts.RateLimit, opts.Redis),
		middleware.NewRedisCache(opts.Cache, opts.Redis),
	)
	heavy := middleware.NewTokenBucket(opts.RateLimit.ForMaterialize(), opts.Redis)

	// ---- Catalog ----
	g.POST("/venues", catalog.CreateVenue)
	g.POST("/venues/:id/seats", catalog.AddSeat)
	g.GET("/venues/:id/seats", catalog.ListSeats)

	g.POST("/templates", catalog.CreateTemplate)
	g.GET("/templates", catalog.ListTemplates)
	g.PATCH("/templates/:id/active", catalog.SetTemplateActive)
	g.GET("/templates/:id/seats/available", catalog.AvailableSeats)
	g.POST("/templates/:id/sessions/generate", catalog.GenerateSessions, heavy)

	g.POST("/sessions", catalog.CreateSession, heavy)
	g.GET("/sessions", catalog.ListSessions)
	g.GET("/sessions/coverage", catalog.Coverage)
	g.GET("/sessions/:id", catalog.GetSession)
	g.POST("/sessions/:id/cancel", catalog.CancelSession)
	g.POST("/sessions/:id/complete", catalog.CompleteSession)
	g.GET("/sessions/:id/capacity", catalog.Capacity)
	g.PATCH("/sessions/:id/capacity", catalog.UpdateCapacity)
	g.GET("/sessions/:id/seats/available", catalog.FreeSeats)

	// ---- Ledger ----
	g.POST("/sessions/:id/reservations", reservations.Reserve)
	g.GET("/sessions/:id/reservations", reservations.ListBySession)
	g.GET("/people/:id/reservations", reservations.ListByPerson)
	g.POST("/reservations/:id/cancel", reservations.Cancel)
	g.POST("/reservations/:id/check-in", reservations.CheckIn)
	g.POST("/reservations/:id/no-show", reservations.NoShow)
	g.POST("/reservations/:id/checkout", reservations.Checkout)

	// ---- Standing bookings ----
	g.POST("/standing-bookings", standing.Create, heavy)
	g.GET("/standing-bookings", standing.List)
	g.GET("/standing-bookings/:id", standing.Get)
	g.PATCH("/standing-bookings/:id/status", standing.SetStatus, heavy)
	g.PATCH("/standing-bookings/:id/slot", standing.ChangeSlot, heavy)
	g.PATCH("/standing-bookings/:id/window", standing.SetWindow, heavy)
	g.POST("/standing-bookings/:id/renew", standing.Renew, heavy)
	g.GET("/standing-bookings/:id/preview", standing.Preview)
	g.POST("/standing-bookings/:id/exceptions", standing.RecordException)
	g.GET("/standing-bookings/:id/exceptions", standing.ListExceptions)

	// ---- Engine ----
	g.POST("/materialize", runs.Run, heavy)
}
