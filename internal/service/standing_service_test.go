package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/database/dbtest"
	"github.com/iliyamo/gym-standing-booking/internal/materialize"
	"github.com/iliyamo/gym-standing-booking/internal/model"
	"github.com/iliyamo/gym-standing-booking/internal/queue"
	"github.com/iliyamo/gym-standing-booking/internal/repository"
)

// Tuesday.  Mondays in January: 7, 14, 21, 28.  Wednesdays: 2, 9, 16, 23, 30.
var testNow = time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type capturePublisher struct {
	events []queue.MaterializedEvent
	err    error
}

func (p *capturePublisher) PublishMaterialized(_ context.Context, ev queue.MaterializedEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

type harness struct {
	db        *sql.DB
	venue     uint64
	templates *repository.TemplateRepo
	sessions  *repository.SessionRepo
	ledger    *repository.ReservationRepo
	rules     *repository.StandingRepo
	excepts   *repository.ExceptionRepo
	pub       *capturePublisher
	svc       *StandingService
}

func newHarness(t *testing.T, policy Policy) *harness {
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
		pub:       &capturePublisher{},
	}
	engine := materialize.New(h.templates, h.sessions, h.ledger, h.rules, h.excepts, materialize.Options{
		Location: time.UTC, DefaultHorizonDays: 56, ReserveTimeout: time.Second, Now: clock,
	})
	h.svc = NewStandingService(h.templates, h.sessions, h.ledger, h.rules, h.excepts, engine, h.pub, policy).
		WithClock(clock)
	return h
}

func (h *harness) template(t *testing.T, weekday time.Weekday, capacity int) uint64 {
	t.Helper()
	return dbtest.Template(t, h.db, h.venue, weekday.String()+" spin", int(weekday), "19:00", capacity)
}

func (h *harness) reserved(t *testing.T, person uint64) []*model.Reservation {
	t.Helper()
	facts, err := h.ledger.ListByPerson(context.Background(), person, day("2030-01-01"), day("2030-03-31"))
	require.NoError(t, err)
	var out []*model.Reservation
	for _, f := range facts {
		if f.Status == model.ReservationReserved {
			out = append(out, f)
		}
	}
	return out
}

func day(s string) model.Date {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (h *harness) enroll(t *testing.T, person, sub, tpl uint64, seat *uint64) *RuleChange {
	t.Helper()
	ch, err := h.svc.Enroll(context.Background(), EnrollInput{
		PersonID: person, SubscriptionID: sub, TemplateID: tpl, SeatID: seat,
		StartDate: day("2030-01-01"), EndDate: day("2030-01-31"),
	})
	require.NoError(t, err)
	return ch
}

func TestEnrollMaterializesAndPublishes(t *testing.T) {
	h := newHarness(t, Policy{})
	monday := h.template(t, time.Monday, 5)

	ch := h.enroll(t, 1, 10, monday, nil)
	require.NotNil(t, ch.Report)
	assert.Equal(t, 4, ch.Report.Totals.Created)
	assert.Len(t, h.reserved(t, 1), 4)

	require.Len(t, h.pub.events, 1)
	ev := h.pub.events[0]
	assert.Equal(t, TriggerEnroll, ev.Trigger)
	assert.Equal(t, ch.Report.RunID, ev.RunID)
	assert.Equal(t, 4, ev.Created)

	_, err := h.svc.Enroll(context.Background(), EnrollInput{
		PersonID: 1, SubscriptionID: 10, TemplateID: monday,
		StartDate: day("2030-01-01"), EndDate: day("2030-01-31"),
	})
	assert.ErrorIs(t, err, repository.ErrActiveRuleExists)
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, Policy{})
	h.pub.err = errors.New("broker down")
	monday := h.template(t, time.Monday, 5)
	h.enroll(t, 1, 10, monday, nil)

	rep, err := h.svc.Materialize(context.Background(), materialize.RuleSelector{}, 0, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Totals.AlreadyExisted)
	assert.Len(t, h.pub.events, 2)
}

func TestChangeSlotCancelsPriorSlot(t *testing.T) {
	h := newHarness(t, Policy{CancelPriorSlot: true})
	monday := h.template(t, time.Monday, 5)
	wednesday := h.template(t, time.Wednesday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	ch, err := h.svc.ChangeSlot(context.Background(), rule.ID, wednesday, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Canceled)
	require.NotNil(t, ch.Report)
	assert.Equal(t, 5, ch.Report.Totals.Created)
	assert.Len(t, h.reserved(t, 1), 5)
}

func TestChangeSlotKeepsPriorSlotWhenPolicyOff(t *testing.T) {
	h := newHarness(t, Policy{})
	monday := h.template(t, time.Monday, 5)
	wednesday := h.template(t, time.Wednesday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	ch, err := h.svc.ChangeSlot(context.Background(), rule.ID, wednesday, nil)
	require.NoError(t, err)
	assert.Zero(t, ch.Canceled)
	assert.Len(t, h.reserved(t, 1), 9)
}

func TestChangeSeatRebooksWithNewSeat(t *testing.T) {
	h := newHarness(t, Policy{CancelPriorSlot: true})
	monday := h.template(t, time.Monday, 5)
	bike7 := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	bike9 := dbtest.Seat(t, h.db, h.venue, "Bike-9")
	rule := h.enroll(t, 1, 10, monday, &bike7).Rule

	ch, err := h.svc.ChangeSlot(context.Background(), rule.ID, monday, &bike9)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Canceled)
	assert.Equal(t, 4, ch.Report.Totals.Created)

	facts := h.reserved(t, 1)
	require.Len(t, facts, 4)
	for _, f := range facts {
		require.NotNil(t, f.SeatID)
		assert.Equal(t, bike9, *f.SeatID)
	}
}

func TestChangeSeatKeepsMemberCancellation(t *testing.T) {
	h := newHarness(t, Policy{CancelPriorSlot: true})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	bike7 := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	bike9 := dbtest.Seat(t, h.db, h.venue, "Bike-9")
	rule := h.enroll(t, 1, 10, monday, &bike7).Rule

	jan14, err := h.sessions.GetByTemplateDate(ctx, monday, day("2030-01-14"))
	require.NoError(t, err)
	f, err := h.ledger.FindFact(ctx, jan14.ID, 1)
	require.NoError(t, err)
	_, err = h.ledger.Cancel(ctx, f.ID)
	require.NoError(t, err)

	ch, err := h.svc.ChangeSlot(ctx, rule.ID, monday, &bike9)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.Canceled)
	assert.Equal(t, 3, ch.Report.Totals.Created)

	got, err := h.ledger.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, got.Status)
	assert.Equal(t, model.CanceledByPerson, got.CanceledBy)
	assert.Len(t, h.reserved(t, 1), 3)
}

func TestResumeKeepsMemberCancellation(t *testing.T) {
	h := newHarness(t, Policy{RetroCancel: true})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	jan21, err := h.sessions.GetByTemplateDate(ctx, monday, day("2030-01-21"))
	require.NoError(t, err)
	f, err := h.ledger.FindFact(ctx, jan21.ID, 1)
	require.NoError(t, err)
	_, err = h.ledger.Cancel(ctx, f.ID)
	require.NoError(t, err)

	ch, err := h.svc.SetLifecycle(ctx, rule.ID, model.StandingPaused)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.Canceled)

	ch, err = h.svc.SetLifecycle(ctx, rule.ID, model.StandingActive)
	require.NoError(t, err)
	require.NotNil(t, ch.Report)
	assert.Equal(t, 3, ch.Report.Totals.Created)
	assert.Equal(t, 1, ch.Report.Totals.AlreadyExisted)

	got, err := h.ledger.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, got.Status)
}

func TestPauseAndResumeWithRetroCancel(t *testing.T) {
	h := newHarness(t, Policy{RetroCancel: true})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	ch, err := h.svc.SetLifecycle(ctx, rule.ID, model.StandingPaused)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Canceled)
	assert.Empty(t, h.reserved(t, 1))

	ch, err = h.svc.SetLifecycle(ctx, rule.ID, model.StandingActive)
	require.NoError(t, err)
	require.NotNil(t, ch.Report)
	assert.Equal(t, 4, ch.Report.Totals.Created)
	assert.Len(t, h.reserved(t, 1), 4)
}

func TestPauseWithoutRetroCancelKeepsReservations(t *testing.T) {
	h := newHarness(t, Policy{})
	monday := h.template(t, time.Monday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	ch, err := h.svc.SetLifecycle(context.Background(), rule.ID, model.StandingPaused)
	require.NoError(t, err)
	assert.Zero(t, ch.Canceled)
	assert.Len(t, h.reserved(t, 1), 4)
}

func TestCancelSubscription(t *testing.T) {
	h := newHarness(t, Policy{RetroCancel: true})
	monday := h.template(t, time.Monday, 5)
	wednesday := h.template(t, time.Wednesday, 5)
	h.enroll(t, 1, 10, monday, nil)
	h.enroll(t, 1, 10, wednesday, nil)

	out, err := h.svc.CancelSubscription(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, out.Rules, 2)
	assert.Equal(t, 9, out.Canceled)
	for _, r := range out.Rules {
		assert.Equal(t, model.StandingCanceled, r.Status)
	}
	assert.Empty(t, h.reserved(t, 1))
}

func TestRenewRuleAlignsStartAndKeepsSeat(t *testing.T) {
	h := newHarness(t, Policy{})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	bike7 := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	old := h.enroll(t, 1, 10, monday, &bike7).Rule

	ch, err := h.svc.RenewRule(ctx, old.ID, RenewInput{
		SubscriptionID: 11, StartDate: day("2030-02-01"), EndDate: day("2030-02-28"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StandingCanceled, ch.Replaced.Status)
	assert.Equal(t, "2030-02-04", ch.Rule.StartDate.String())
	assert.Equal(t, uint64(11), ch.Rule.SubscriptionID)
	require.NotNil(t, ch.Rule.SeatID)
	assert.Equal(t, bike7, *ch.Rule.SeatID)
	// Horizon ends 2030-02-26: Feb 4, 11, 18 and 25.
	assert.Equal(t, 4, ch.Report.Totals.Created)

	_, err = h.svc.RenewRule(ctx, ch.Rule.ID, RenewInput{
		SubscriptionID: 12, StartDate: day("2030-03-05"), EndDate: day("2030-03-09"),
	})
	assert.ErrorIs(t, err, repository.ErrInvalidWindow)
}

func TestRenewSameSubscriptionExtendsWindow(t *testing.T) {
	h := newHarness(t, Policy{})
	monday := h.template(t, time.Monday, 5)
	old := h.enroll(t, 1, 10, monday, nil).Rule

	ch, err := h.svc.RenewRule(context.Background(), old.ID, RenewInput{
		SubscriptionID: 10, StartDate: day("2030-02-01"), EndDate: day("2030-02-14"),
	})
	require.NoError(t, err)
	assert.Nil(t, ch.Replaced)
	assert.Equal(t, old.ID, ch.Rule.ID)
	assert.Equal(t, "2030-02-14", ch.Rule.EndDate.String())
	assert.Equal(t, 2, ch.Report.Totals.Created)
}

func TestSkipOccurrence(t *testing.T) {
	h := newHarness(t, Policy{})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	rule := h.enroll(t, 1, 10, monday, nil).Rule

	out, err := h.svc.SkipOccurrence(ctx, rule.ID, day("2030-01-14"), nil)
	require.NoError(t, err)
	assert.True(t, out.CanceledOriginal)
	assert.Equal(t, model.ExceptionSkip, out.Exception.Action)
	assert.Len(t, h.reserved(t, 1), 3)

	// A later run honours the skip.
	rep, err := h.svc.Materialize(ctx, materialize.RuleSelector{RuleIDs: []uint64{rule.ID}}, 0, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Totals.Skipped)
	assert.Len(t, h.reserved(t, 1), 3)

	_, err = h.svc.SkipOccurrence(ctx, rule.ID, day("2030-01-15"), nil)
	assert.ErrorIs(t, err, repository.ErrExceptionInvalid, "not a Monday")
	_, err = h.svc.SkipOccurrence(ctx, rule.ID, day("2030-02-04"), nil)
	assert.ErrorIs(t, err, repository.ErrExceptionInvalid, "outside the window")
}

func TestRescheduleOccurrence(t *testing.T) {
	h := newHarness(t, Policy{})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	wednesdayID := h.template(t, time.Wednesday, 5)
	bike7 := dbtest.Seat(t, h.db, h.venue, "Bike-7")
	rule := h.enroll(t, 1, 10, monday, &bike7).Rule

	wednesday, err := h.templates.GetByID(ctx, wednesdayID)
	require.NoError(t, err)
	ss, err := h.sessions.EnsureSessions(ctx, wednesday, day("2030-01-16"), day("2030-01-16"))
	require.NoError(t, err)
	require.Len(t, ss, 1)

	out, err := h.svc.RescheduleOccurrence(ctx, rule.ID, day("2030-01-14"), ss[0].ID, nil)
	require.NoError(t, err)
	assert.True(t, out.CanceledOriginal)
	require.NotNil(t, out.Override)
	require.True(t, out.Override.Created())
	assert.Equal(t, model.SourceOverride, out.Override.Reservation.Source)
	require.NotNil(t, out.Override.Reservation.SeatID, "same venue keeps the seat")
	assert.Equal(t, bike7, *out.Override.Reservation.SeatID)

	rep, err := h.svc.Materialize(ctx, materialize.RuleSelector{RuleIDs: []uint64{rule.ID}}, 0, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, rep.Totals.Created)
	assert.Len(t, h.reserved(t, 1), 4)
}

func TestHandleSubscriptionEvents(t *testing.T) {
	h := newHarness(t, Policy{RetroCancel: true, CancelPriorSlot: true})
	ctx := context.Background()
	monday := h.template(t, time.Monday, 5)
	wednesday := h.template(t, time.Wednesday, 5)

	created := queue.SubscriptionEvent{
		Type: queue.SubscriptionCreated, SubscriptionID: 10, PersonID: 1, TemplateID: monday,
		StartDate: day("2030-01-01"), EndDate: day("2030-01-31"),
	}
	require.NoError(t, h.svc.HandleSubscriptionEvent(ctx, created))
	require.NoError(t, h.svc.HandleSubscriptionEvent(ctx, created), "redelivery is harmless")
	assert.Len(t, h.reserved(t, 1), 4)

	require.NoError(t, h.svc.HandleSubscriptionEvent(ctx, queue.SubscriptionEvent{
		Type: queue.SubscriptionPlanChanged, SubscriptionID: 10, PersonID: 1, TemplateID: wednesday,
	}))
	assert.Len(t, h.reserved(t, 1), 5)

	require.NoError(t, h.svc.HandleSubscriptionEvent(ctx, queue.SubscriptionEvent{
		Type: queue.SubscriptionRenewed, SubscriptionID: 11, PreviousSubscriptionID: 10, PersonID: 1,
		StartDate: day("2030-02-01"), EndDate: day("2030-02-28"),
	}))
	active, err := h.rules.List(ctx, repository.StandingFilter{PersonID: 1, Status: model.StandingActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, uint64(11), active[0].SubscriptionID)
	assert.Equal(t, wednesday, active[0].TemplateID)
	assert.Equal(t, "2030-02-06", active[0].StartDate.String())

	require.NoError(t, h.svc.HandleSubscriptionEvent(ctx, queue.SubscriptionEvent{
		Type: queue.SubscriptionCanceled, SubscriptionID: 11, PersonID: 1,
	}))
	active, err = h.rules.List(ctx, repository.StandingFilter{PersonID: 1, Status: model.StandingActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}
