package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/database/dbtest"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

func TestTryReserveOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	bike7 := dbtest.Seat(t, f.db, venue, "Bike 7")
	tpl := f.template(t, venue, time.Monday, 2)
	s := f.session(t, tpl, date("2030-01-07"))

	res, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, SeatID: &bike7, Source: model.SourceStanding})
	require.NoError(t, err)
	require.True(t, res.Created())
	assert.Equal(t, model.ReservationReserved, res.Reservation.Status)
	assert.Equal(t, bike7, *res.Reservation.SeatID)

	t.Run("already booked returns the existing fact", func(t *testing.T) {
		again, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceManual})
		require.NoError(t, err)
		assert.Equal(t, model.RejectAlreadyBooked, again.Rejection)
		assert.Equal(t, res.Reservation.ID, again.Reservation.ID)
	})

	t.Run("seat taken", func(t *testing.T) {
		other, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 2, SeatID: &bike7, Source: model.SourceStanding})
		require.NoError(t, err)
		assert.Equal(t, model.RejectSeatTaken, other.Rejection)
	})

	t.Run("session full", func(t *testing.T) {
		second, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 3, Source: model.SourceManual})
		require.NoError(t, err)
		require.True(t, second.Created())
		third, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 4, Source: model.SourceManual})
		require.NoError(t, err)
		assert.Equal(t, model.RejectSessionFull, third.Rejection)
	})

	t.Run("missing session", func(t *testing.T) {
		none, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: 999, PersonID: 1, Source: model.SourceManual})
		require.NoError(t, err)
		assert.Equal(t, model.RejectSessionNotBookable, none.Rejection)
	})

	t.Run("seat from another venue", func(t *testing.T) {
		elsewhere := dbtest.Seat(t, f.db, dbtest.Venue(t, f.db, "Other", 5), "Mat 1")
		_, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 8, SeatID: &elsewhere, Source: model.SourceManual})
		assert.ErrorIs(t, err, ErrSeatInvalid)
	})
}

func TestTryReserveRejectsStartedSession(t *testing.T) {
	f := newFixture(t)
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	tpl := f.template(t, venue, time.Monday, 0)
	s := f.session(t, tpl, date("2030-01-07"))

	late := NewReservationRepo(f.db).WithClock(func() time.Time { return s.StartAt })
	res, err := late.TryReserve(context.Background(), ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceManual})
	require.NoError(t, err)
	assert.Equal(t, model.RejectSessionNotBookable, res.Rejection)
}

func TestCancelIsIdempotentAndRebookReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	bike := dbtest.Seat(t, f.db, venue, "Bike 1")
	tpl := f.template(t, venue, time.Monday, 0)
	s := f.session(t, tpl, date("2030-01-07"))

	res, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, SeatID: &bike, Source: model.SourceStanding})
	require.NoError(t, err)
	id := res.Reservation.ID

	c1, err := f.ledger.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, c1.Status)
	assert.Equal(t, model.CanceledByPerson, c1.CanceledBy)
	c2, err := f.ledger.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCanceled, c2.Status)

	// The seat is free again for someone else.
	other, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 2, SeatID: &bike, Source: model.SourceManual})
	require.NoError(t, err)
	assert.True(t, other.Created())

	back, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceOverride})
	require.NoError(t, err)
	require.True(t, back.Created())
	assert.Equal(t, id, back.Reservation.ID, "the canceled row is re-activated")
	assert.Nil(t, back.Reservation.SeatID)

	fact, err := f.ledger.FindFact(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.SourceOverride, fact.Source)
	assert.Empty(t, fact.CanceledBy, "re-activation clears the cancel origin")
	assert.Equal(t, 1, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM reservations WHERE session_id = ? AND person_id = 1`, s.ID))
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	tpl := f.template(t, venue, time.Monday, 0)
	s := f.session(t, tpl, date("2030-01-07"))

	a, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceManual})
	require.NoError(t, err)
	b, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 2, Source: model.SourceManual})
	require.NoError(t, err)

	in, err := f.ledger.CheckIn(ctx, a.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCheckedIn, in.Status)
	assert.NotNil(t, in.CheckinAt)

	_, err = f.ledger.Cancel(ctx, a.Reservation.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ns, err := f.ledger.MarkNoShow(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationNoShow, ns.Status)

	_, err = f.ledger.CheckIn(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	capInfo, err := f.ledger.Capacity(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, capInfo.CheckedIn)
	assert.Equal(t, 0, capInfo.Reserved)
	assert.Equal(t, 29, capInfo.Available)
}

func TestConcurrentReservationsRespectCapacityAndSeat(t *testing.T) {
	f := newFixture(t)
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	bike := dbtest.Seat(t, f.db, venue, "Bike 7")
	tpl := f.template(t, venue, time.Monday, 5)
	s := f.session(t, tpl, date("2030-01-07"))

	var wg sync.WaitGroup
	for person := uint64(1); person <= 20; person++ {
		wg.Add(1)
		go func(p uint64) {
			defer wg.Done()
			req := ReserveRequest{SessionID: s.ID, PersonID: p, Source: model.SourceStanding}
			if p%2 == 0 {
				req.SeatID = &bike
			}
			_, err := f.ledger.TryReserve(context.Background(), req)
			assert.NoError(t, err)
		}(person)
	}
	wg.Wait()

	occupied := `SELECT COUNT(*) FROM reservations WHERE session_id = ? AND status IN ('reserved','checked_in')`
	assert.Equal(t, 5, dbtest.Count(t, f.db, occupied, s.ID))
	assert.LessOrEqual(t, dbtest.Count(t, f.db, occupied+` AND seat_id = ?`, s.ID, bike), 1)
}

func TestCancelFutureOnlyTouchesLaterStandingFacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	tpl := f.template(t, venue, time.Monday, 0)
	s1 := f.session(t, tpl, date("2030-01-07"))
	s2 := f.session(t, tpl, date("2030-01-14"))

	for _, s := range []*model.ClassSession{s1, s2} {
		_, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceStanding})
		require.NoError(t, err)
	}
	_, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s2.ID, PersonID: 2, Source: model.SourceManual})
	require.NoError(t, err)

	n, err := f.ledger.CancelFuture(ctx, FutureFilter{
		PersonID: 1, TemplateID: tpl.ID, Source: model.SourceStanding, After: s1.StartAt,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := f.ledger.FindFact(ctx, s1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReserved, first.Status)

	facts, err := f.ledger.ListByPerson(ctx, 1, date("2030-01-01"), date("2030-01-31"))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, model.ReservationCanceled, facts[1].Status)
	assert.Equal(t, model.CanceledByPolicy, facts[1].CanceledBy)

	list, err := f.ledger.ListBySession(ctx, s2.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCheckoutStampsCheckedInFact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	tpl := f.template(t, venue, time.Monday, 0)
	s := f.session(t, tpl, date("2030-01-07"))

	a, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, Source: model.SourceManual})
	require.NoError(t, err)

	_, err = f.ledger.Checkout(ctx, a.Reservation.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a reserved fact cannot check out")

	_, err = f.ledger.CheckIn(ctx, a.Reservation.ID)
	require.NoError(t, err)
	out, err := f.ledger.Checkout(ctx, a.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCheckedIn, out.Status)
	require.NotNil(t, out.CheckoutAt)
	assert.Equal(t, testNow, *out.CheckoutAt)

	again, err := f.ledger.Checkout(ctx, a.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, testNow, *again.CheckoutAt)

	stored, err := f.ledger.GetByID(ctx, a.Reservation.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CheckoutAt)
	assert.Equal(t, model.ReservationCheckedIn, stored.Status)

	_, err = f.ledger.Checkout(ctx, 12345)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestFreeSeatsExcludesHeldAndInactiveSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	venue := dbtest.Venue(t, f.db, "Spin", 30)
	b1 := dbtest.Seat(t, f.db, venue, "Bike 1")
	b2 := dbtest.Seat(t, f.db, venue, "Bike 2")
	b3 := dbtest.Seat(t, f.db, venue, "Bike 3")
	b4 := dbtest.Seat(t, f.db, venue, "Bike 4")
	tpl := f.template(t, venue, time.Monday, 0)
	s := f.session(t, tpl, date("2030-01-07"))

	held, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 1, SeatID: &b1, Source: model.SourceManual})
	require.NoError(t, err)
	gone, err := f.ledger.TryReserve(ctx, ReserveRequest{SessionID: s.ID, PersonID: 2, SeatID: &b2, Source: model.SourceManual})
	require.NoError(t, err)
	_, err = f.ledger.Cancel(ctx, gone.Reservation.ID)
	require.NoError(t, err)
	_, err = f.ledger.CheckIn(ctx, held.Reservation.ID)
	require.NoError(t, err)
	require.NoError(t, f.venues.SetSeatActive(ctx, b4, false))

	seats, err := f.ledger.FreeSeats(ctx, s.ID)
	require.NoError(t, err)
	ids := make([]uint64, 0, len(seats))
	for _, seat := range seats {
		ids = append(ids, seat.ID)
	}
	assert.Equal(t, []uint64{b2, b3}, ids)

	_, err = f.ledger.FreeSeats(ctx, 12345)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
