// Package app assembles the stores, the engine and the standing booking
// service from a Config so the HTTP server and the CLI share one wiring.
package app

import (
	"database/sql"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/config"
	"github.com/iliyamo/gym-standing-booking/internal/materialize"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
	"github.com/iliyamo/gym-standing-booking/internal/service"
)

type App struct {
	DB         *sql.DB
	Venues     *repository.VenueRepo
	Templates  *repository.TemplateRepo
	Sessions   *repository.SessionRepo
	Ledger     *repository.ReservationRepo
	Rules      *repository.StandingRepo
	Exceptions *repository.ExceptionRepo
	Engine     *materialize.Engine
	Standing   *service.StandingService
	Now        func() time.Time
}

// New wires everything on top of db.  A nil publisher disables run events.
func New(cfg config.Config, db *sql.DB, publisher service.Publisher) *App {
	return NewWithClock(cfg, db, publisher, time.Now)
}

// NewWithClock is New with every component reading time from now.
func NewWithClock(cfg config.Config, db *sql.DB, publisher service.Publisher, now func() time.Time) *App {
	loc := cfg.Location()
	a := &App{
		DB:         db,
		Venues:     repository.NewVenueRepo(db),
		Templates:  repository.NewTemplateRepo(db),
		Sessions:   repository.NewSessionRepo(db, loc).WithClock(now),
		Ledger:     repository.NewReservationRepo(db).WithClock(now),
		Rules:      repository.NewStandingRepo(db),
		Exceptions: repository.NewExceptionRepo(db),
		Now:        now,
	}
	a.Engine = materialize.New(a.Templates, a.Sessions, a.Ledger, a.Rules, a.Exceptions, materialize.Options{
		Location:           loc,
		DefaultHorizonDays: cfg.HorizonDays,
		ReserveTimeout:     cfg.ReserveTimeout,
		Now:                now,
	})
	a.Standing = service.NewStandingService(
		a.Templates, a.Sessions, a.Ledger, a.Rules, a.Exceptions, a.Engine, publisher,
		service.Policy{RetroCancel: cfg.RetroCancel, CancelPriorSlot: cfg.CancelPriorSlot},
	).WithClock(now)
	return a
}

// Publisher picks the AMQP publisher when run events are enabled and a
// broker URL is configured.
func Publisher(cfg config.Config) service.Publisher {
	if !cfg.MaterializedPublisherOn || cfg.AMQPURL == "" {
		return service.NopPublisher{}
	}
	return service.NewAMQPPublisher(cfg.AMQPURL, cfg.MaterializedQueue)
}
