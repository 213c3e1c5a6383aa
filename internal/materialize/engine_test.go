package materialize

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/database/dbtest"
	"github.com/iliyamo/gym-standing-booking/internal/model"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
)

// Tuesday; the following Mondays are 2030-01-07, -14, -21 and -28.
var testNow = time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type harness struct {
	db        *sql.DB
	venue     uint64
	templates *repository.TemplateRepo
	sessions  *repository.SessionRepo
	ledger    *repository.ReservationRepo
	rules     *repository.StandingRepo
	excepts   *repository.ExceptionRepo
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	h := &harness{
		db:        db,
		venue:     dbtest.Venue(t, db, "Spin Studio", 20),
		templates: repository.NewTemplateRepo(db),
		sessions:  repository.NewSessionRepo(db, time.UTC).WithClock(clock),
		ledger:    repository.NewReservationRepo(db).WithClock(clock),
		rules:     repository.NewStandingRepo(db),
		excepts:   repository.NewExceptionRepo(db),
	}
	h.engine = New(h.templates, h.sessions, h.ledger, h.rules, h.excepts, Options{
		Location: time.UTC, DefaultHorizonDays: 56, ReserveTimeout: time.Second, Now: clock,
	})
	return h
}

func (h *harness) template(t *testing.T, weekday time.Weekday, capacity int) *model.ClassTemplate {
	t.Helper()
	tpl, err := h.templates.GetByID(context.Background(),
		dbtest.Template(t, h.db, h.venue, weekday.String()+" class", int(weekday), "19:00", capacity))
	require.NoError(t, err)
	return tpl
}

func (h *harness) rule(t *testing.T, person uint64, tpl *model.ClassTemplate, seat *uint64, from, to string) *model.StandingBooking {
	t.Helper()
	r := &model.StandingBooking{
		PersonID: person, SubscriptionID: 100 + person, TemplateID: tpl.ID, SeatID: seat,
		StartDate: mustDate(from), EndDate: mustDate(to),
	}
	require.NoError(t, h.rules.Create(context.Background(), r))
	return r
}

func (h *harness) sessionOn(t *testing.T, tpl *model.ClassTemplate, d string) *model.ClassSession {
	t.Helper()
	ss, err := h.sessions.EnsureSessions(context.Background(), tpl, mustDate(d), mustDate(d))
	require.NoError(t, err)
	require.Len(t, ss, 1)
	return ss[0]
}

func mustDate(s string) model.Date {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func byRule(rep *Report, id uint64) RuleReport {
	for _, rr := range rep.Rules {
		if rr.RuleID == id {
			return rr
		}
	}
	return RuleReport{}
}

func TestStandingSeatBookingAndIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bike7 := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	tpl := h.template(t, time.Monday, 1)
	rule := h.rule(t, 1, tpl, &bike7, "2030-01-01", "2030-01-14")

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	rr := byRule(rep, rule.ID)
	assert.Equal(t, 2, rr.SessionsConsidered)
	assert.Equal(t, 2, rr.Created)
	assert.Empty(t, rr.Rejected)

	facts, err := h.ledger.ListByPerson(ctx, 1, mustDate("2030-01-01"), mustDate("2030-01-31"))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	for _, f := range facts {
		assert.Equal(t, model.SourceStanding, f.Source)
		assert.Equal(t, model.ReservationReserved, f.Status)
		require.NotNil(t, f.SeatID)
		assert.Equal(t, bike7, *f.SeatID)
	}

	again, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Totals.Created)
	assert.Equal(t, 2, again.Totals.AlreadyExisted)
	assert.NotEqual(t, rep.RunID, again.RunID)
}

func TestOverlappingSeatRulesRejectSecond(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bike := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	tpl := h.template(t, time.Monday, 5)
	first := h.rule(t, 1, tpl, &bike, "2030-01-01", "2030-01-14")

	// The store refuses this rule, so force it in underneath.
	res, err := h.db.Exec(`INSERT INTO standing_bookings
		(person_id, subscription_id, template_id, seat_id, start_date, end_date, status)
		VALUES (2, 202, ?, ?, '2030-01-08', '2030-01-21', 'active')`, tpl.ID, bike)
	require.NoError(t, err)
	secondID, _ := res.LastInsertId()

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 28)
	require.NoError(t, err)

	assert.Equal(t, 2, byRule(rep, first.ID).Created)
	second := byRule(rep, uint64(secondID))
	assert.Equal(t, 1, second.Created)
	require.Len(t, second.Rejected, 1)
	assert.Equal(t, model.RejectSeatTaken, second.Rejected[0].Reason)
	assert.Equal(t, "2030-01-14", second.Rejected[0].Date.String())
}

func TestManualBookingFillsCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 1)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-14")
	monday := h.sessionOn(t, tpl, "2030-01-07")
	manual, err := h.ledger.TryReserve(ctx, repository.ReserveRequest{SessionID: monday.ID, PersonID: 99, Source: model.SourceManual})
	require.NoError(t, err)
	require.True(t, manual.Created())

	rep, err := h.engine.Materialize(ctx, RuleSelector{SubscriptionID: rule.SubscriptionID}, 14)
	require.NoError(t, err)
	rr := byRule(rep, rule.ID)
	assert.Equal(t, 1, rr.Created)
	require.Len(t, rr.Rejected, 1)
	assert.Equal(t, monday.ID, rr.Rejected[0].SessionID)
	assert.Equal(t, model.RejectSessionFull, rr.Rejected[0].Reason)
	assert.Equal(t, 1, rep.RejectionCounts()[model.RejectSessionFull])
}

func TestSkipException(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-21")
	require.NoError(t, h.excepts.Record(ctx, &model.StandingException{
		StandingBookingID: rule.ID, SessionDate: mustDate("2030-01-07"), Action: model.ExceptionSkip,
	}))

	rep, err := h.engine.Materialize(ctx, RuleSelector{RuleIDs: []uint64{rule.ID}}, 28)
	require.NoError(t, err)
	rr := byRule(rep, rule.ID)
	assert.Equal(t, 3, rr.SessionsConsidered)
	assert.Equal(t, 1, rr.Skipped)
	assert.Equal(t, 2, rr.Created)

	skipped := h.sessionOn(t, tpl, "2030-01-07")
	f, err := h.ledger.FindFact(ctx, skipped.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestRescheduleException(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bike := dbtest.Seat(t, h.db, h.venue, "Bike-3")
	monday := h.template(t, time.Monday, 0)
	wednesday := h.template(t, time.Wednesday, 0)
	rule := h.rule(t, 1, monday, &bike, "2030-01-01", "2030-01-07")
	wed := h.sessionOn(t, wednesday, "2030-01-09")
	require.NoError(t, h.excepts.Record(ctx, &model.StandingException{
		StandingBookingID: rule.ID, SessionDate: mustDate("2030-01-07"),
		Action: model.ExceptionReschedule, NewSessionID: &wed.ID,
	}))

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	assert.Equal(t, 1, byRule(rep, rule.ID).Created)

	moved, err := h.ledger.FindFact(ctx, wed.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, model.SourceOverride, moved.Source)
	assert.Equal(t, bike, *moved.SeatID)

	original := h.sessionOn(t, monday, "2030-01-07")
	f, err := h.ledger.FindFact(ctx, original.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, f)

	again, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Totals.Created)
	assert.Equal(t, 1, again.Totals.AlreadyExisted)
}

func TestPausedRuleExcludedAndHistoryKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-03-31")

	_, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	_, err = h.rules.SetLifecycle(ctx, rule.ID, model.StandingPaused)
	require.NoError(t, err)

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 56)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Totals.Rules)
	assert.Equal(t, 2, dbtest.Count(t, h.db,
		`SELECT COUNT(*) FROM reservations WHERE person_id = 1 AND status = 'reserved'`))
}

func TestPastWindowAndWindowRespect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	h.rule(t, 1, tpl, nil, "2029-11-01", "2029-12-31")
	late := h.rule(t, 2, tpl, nil, "2030-01-10", "2030-01-24")

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 56)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Totals.Rules)
	assert.Equal(t, 2, byRule(rep, late.ID).Created)

	outside := dbtest.Count(t, h.db, `SELECT COUNT(*) FROM reservations r
		JOIN class_sessions s ON s.id = r.session_id
		JOIN standing_bookings b ON b.person_id = r.person_id AND b.template_id = s.template_id
		WHERE r.source = 'standing' AND (s.session_date < b.start_date OR s.session_date > b.end_date)`)
	assert.Zero(t, outside)
	assert.Zero(t, dbtest.Count(t, h.db, `SELECT COUNT(*) FROM reservations WHERE person_id = 1`))
}

func TestExtendingEndDateFillsGap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-07")

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 28)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Totals.Created)

	_, err = h.rules.SetWindow(ctx, rule.ID, rule.StartDate, mustDate("2030-01-21"))
	require.NoError(t, err)
	rep, err = h.engine.Materialize(ctx, RuleSelector{}, 28)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Totals.Created)
	assert.Equal(t, 1, rep.Totals.AlreadyExisted)
}

func TestCanceledFactStandsUnlessRevived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-14")
	_, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)

	s := h.sessionOn(t, tpl, "2030-01-07")
	f, err := h.ledger.FindFact(ctx, s.ID, 1)
	require.NoError(t, err)
	_, err = h.ledger.Cancel(ctx, f.ID)
	require.NoError(t, err)

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Totals.Created)

	// A person's own cancellation survives a reviving run.
	rep, err = h.engine.Materialize(ctx, RuleSelector{PersonID: 1, ReviveCanceled: true}, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Totals.Created)
	got, err := h.ledger.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, got.Status)
	assert.Equal(t, model.CanceledByPerson, got.CanceledBy)

	// A policy withdrawal is undone by one.
	n, err := h.ledger.CancelFuture(ctx, repository.FutureFilter{
		PersonID: 1, TemplateID: tpl.ID, Source: model.SourceStanding, After: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rep, err = h.engine.Materialize(ctx, RuleSelector{PersonID: 1, ReviveCanceled: true}, 14)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Totals.Created)

	jan14 := h.sessionOn(t, tpl, "2030-01-14")
	revived, err := h.ledger.FindFact(ctx, jan14.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReserved, revived.Status)
	assert.Empty(t, revived.CanceledBy)
	got, err = h.ledger.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, got.Status)
}

func TestSessionsStartedTodayAreNotConsidered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Tuesday 07:00; testNow is Tuesday 09:00.
	tpl, err := h.templates.GetByID(ctx, dbtest.Template(t, h.db, h.venue, "Early spin", int(time.Tuesday), "07:00", 0))
	require.NoError(t, err)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-08")

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 7)
	require.NoError(t, err)
	rr := byRule(rep, rule.ID)
	assert.Equal(t, 1, rr.SessionsConsidered)
	assert.Equal(t, 1, rr.Created)
	assert.Empty(t, rr.Rejected)
	assert.Zero(t, rep.Totals.Rejected)

	facts, err := h.ledger.ListByPerson(ctx, 1, mustDate("2030-01-01"), mustDate("2030-01-08"))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	s, err := h.sessions.GetByID(ctx, facts[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, "2030-01-08", s.SessionDate.String())
}

func TestInactiveTemplateAbortsWithPartialReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := h.template(t, time.Monday, 0)
	bad := h.template(t, time.Tuesday, 0)
	h.rule(t, 1, good, nil, "2030-01-01", "2030-01-14")
	h.rule(t, 2, bad, nil, "2030-01-01", "2030-01-14")
	_, err := h.templates.SetActive(ctx, bad.ID, false)
	require.NoError(t, err)

	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	require.ErrorIs(t, err, repository.ErrInvalidTemplate)
	require.NotNil(t, rep)
	assert.Equal(t, 2, rep.Totals.Created)
	assert.NotEmpty(t, rep.Error)
}

func TestCanceledContextStopsRun(t *testing.T) {
	h := newHarness(t)
	tpl := h.template(t, time.Monday, 0)
	h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-14")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := h.engine.Materialize(ctx, RuleSelector{}, 14)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.Totals.Created)
}

// stallingLedger never answers TryReserve before its context expires.
type stallingLedger struct{ *repository.ReservationRepo }

func (stallingLedger) TryReserve(ctx context.Context, _ repository.ReserveRequest) (repository.ReserveResult, error) {
	<-ctx.Done()
	return repository.ReserveResult{}, ctx.Err()
}

func TestReserveTimeoutIsTransientRejection(t *testing.T) {
	h := newHarness(t)
	tpl := h.template(t, time.Monday, 0)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-01-07")
	engine := New(h.templates, h.sessions, stallingLedger{h.ledger}, h.rules, h.excepts, Options{
		ReserveTimeout: 20 * time.Millisecond, Now: clock,
	})

	rep, err := engine.Materialize(context.Background(), RuleSelector{}, 14)
	require.NoError(t, err)
	rr := byRule(rep, rule.ID)
	require.Len(t, rr.Rejected, 1)
	assert.Equal(t, model.RejectSessionNotBookable, rr.Rejected[0].Reason)
	assert.True(t, rr.Rejected[0].Transient)
}

type brokenRules struct{ Rules }

func (brokenRules) ListActive(context.Context, repository.StandingFilter, model.Date, model.Date) ([]*model.StandingBooking, error) {
	return nil, driver.ErrBadConn
}

func TestUnavailableStoreIsFatal(t *testing.T) {
	h := newHarness(t)
	engine := New(h.templates, h.sessions, h.ledger, brokenRules{h.rules}, h.excepts, Options{Now: clock})
	rep, err := engine.Materialize(context.Background(), RuleSelector{}, 14)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.NotNil(t, rep)
}

func TestConcurrentRunsRespectCapacity(t *testing.T) {
	h := newHarness(t)
	tpl := h.template(t, time.Monday, 3)
	for person := uint64(1); person <= 8; person++ {
		h.rule(t, person, tpl, nil, "2030-01-01", "2030-01-21")
	}

	var wg sync.WaitGroup
	for person := uint64(1); person <= 8; person++ {
		wg.Add(1)
		go func(p uint64) {
			defer wg.Done()
			_, err := h.engine.Materialize(context.Background(), RuleSelector{PersonID: p}, 28)
			assert.NoError(t, err)
		}(person)
	}
	wg.Wait()

	rows, err := h.db.Query(`SELECT session_id, COUNT(*) FROM reservations
		WHERE status IN ('reserved','checked_in') GROUP BY session_id`)
	require.NoError(t, err)
	defer rows.Close()
	sessions := 0
	for rows.Next() {
		var id, n int
		require.NoError(t, rows.Scan(&id, &n))
		assert.Equal(t, 3, n)
		sessions++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 3, sessions)
}

func TestMaterializeSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template(t, time.Monday, 0)
	rule := h.rule(t, 1, tpl, nil, "2030-01-01", "2030-06-30")
	h.rule(t, 2, tpl, nil, "2030-03-01", "2030-06-30")

	s := h.sessionOn(t, tpl, "2030-02-04")
	rep, err := h.engine.MaterializeSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Totals.Rules)
	assert.Equal(t, 1, byRule(rep, rule.ID).Created)

	adhoc, err := h.sessions.CreateAdHoc(ctx, repository.AdHocSession{
		VenueID: h.venue, Name: "Workshop", StartAt: testNow.Add(48 * time.Hour), DurationMin: 60,
	})
	require.NoError(t, err)
	rep, err = h.engine.MaterializeSession(ctx, adhoc.ID)
	require.NoError(t, err)
	assert.Zero(t, rep.Totals.Rules)
}
