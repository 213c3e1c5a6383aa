package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/database/dbtest"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// Tuesday 2030-01-01 09:00 UTC; the first Monday after it is 2030-01-07.
var testNow = time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fixture struct {
	db        *sql.DB
	venues    *VenueRepo
	templates *TemplateRepo
	sessions  *SessionRepo
	ledger    *ReservationRepo
	rules     *StandingRepo
	excepts   *ExceptionRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	f := &fixture{
		db:        db,
		venues:    NewVenueRepo(db),
		templates: NewTemplateRepo(db),
		sessions:  NewSessionRepo(db, time.UTC).WithClock(fixedClock),
		ledger:    NewReservationRepo(db).WithClock(fixedClock),
		rules:     NewStandingRepo(db),
		excepts:   NewExceptionRepo(db),
	}
	return f
}

func (f *fixture) template(t *testing.T, venueID uint64, weekday time.Weekday, capacity int) *model.ClassTemplate {
	t.Helper()
	id := dbtest.Template(t, f.db, venueID, "Spin", int(weekday), "19:00", capacity)
	tpl, err := f.templates.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tpl
}

func (f *fixture) session(t *testing.T, tpl *model.ClassTemplate, day model.Date) *model.ClassSession {
	t.Helper()
	ss, err := f.sessions.EnsureSessions(context.Background(), tpl, day, day)
	require.NoError(t, err)
	require.Len(t, ss, 1)
	return ss[0]
}

func date(s string) model.Date {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }
