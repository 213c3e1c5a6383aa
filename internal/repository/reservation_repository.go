package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// ReservationRepo is the reservation ledger.  TryReserve is the only path
// that creates or re-activates a fact; every check and the write run in one
// transaction holding the session row lock, and the unique keys on
// reservations back it up.
type ReservationRepo struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewReservationRepo(db *sql.DB) *ReservationRepo {
	return &ReservationRepo{db: db, dialect: database.DialectOf(db), now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (r *ReservationRepo) WithClock(now func() time.Time) *ReservationRepo {
	r.now = now
	return r
}

// ReserveRequest asks for one person in one session.
type ReserveRequest struct {
	SessionID uint64
	PersonID  uint64
	SeatID    *uint64
	Source    model.Source
}

// ReserveResult carries either the new fact or the reason none was made.
// For RejectAlreadyBooked, Reservation is the existing fact.
type ReserveResult struct {
	Reservation *model.Reservation
	Rejection   model.RejectReason
}

// Created reports whether the attempt produced a fact.
func (r ReserveResult) Created() bool { return r.Rejection == "" && r.Reservation != nil }

func rejected(reason model.RejectReason) ReserveResult { return ReserveResult{Rejection: reason} }

const reservationColumns = `id, session_id, person_id, seat_id, status, source, reserved_at,
	checkin_at, checkout_at, canceled_by, updated_at`

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		f                 model.Reservation
		seat              sql.NullInt64
		status, source    string
		canceledBy        sql.NullString
		reserved, updated database.Time
		checkin, checkout database.Time
	)
	err := row.Scan(&f.ID, &f.SessionID, &f.PersonID, &seat, &status, &source, &reserved,
		&checkin, &checkout, &canceledBy, &updated)
	if err != nil {
		return nil, err
	}
	f.SeatID = idPtr(seat)
	f.Status = model.ReservationStatus(status)
	f.Source = model.Source(source)
	f.CanceledBy = model.CancelOrigin(canceledBy.String)
	f.ReservedAt, f.UpdatedAt = reserved.Time, updated.Time
	f.CheckinAt, f.CheckoutAt = checkin.Ptr(), checkout.Ptr()
	return &f, nil
}

func findFact(ctx context.Context, q querier, sessionID, personID uint64, lock string) (*model.Reservation, error) {
	f, err := scanReservation(q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE session_id = ? AND person_id = ?`+lock,
		sessionID, personID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find reservation", err)
	}
	return f, nil
}

// FindFact returns the fact for (session, person) in any status, or nil.
func (r *ReservationRepo) FindFact(ctx context.Context, sessionID, personID uint64) (*model.Reservation, error) {
	return findFact(ctx, r.db, sessionID, personID, "")
}

func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (*model.Reservation, error) {
	f, err := scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, storeErr("get reservation", err)
	}
	return f, nil
}

// TryReserve books a person into a session.  Expected contention comes back
// as a rejection in the result; the error is reserved for store failures
// and for a seat that belongs to another venue.
func (r *ReservationRepo) TryReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if !req.Source.Valid() {
		return ReserveResult{}, fmt.Errorf("invalid reservation source %q", req.Source)
	}
	res, err := r.tryReserve(ctx, req)
	if err != nil && database.IsDuplicateKey(err) {
		// A concurrent writer committed first.  Its fact decides the outcome.
		existing, ferr := r.FindFact(ctx, req.SessionID, req.PersonID)
		if ferr != nil {
			return ReserveResult{}, ferr
		}
		if existing != nil && existing.Status != model.ReservationCanceled {
			return ReserveResult{Reservation: existing, Rejection: model.RejectAlreadyBooked}, nil
		}
		return rejected(model.RejectSeatTaken), nil
	}
	if err != nil {
		return ReserveResult{}, storeErr("reserve", err)
	}
	return res, nil
}

func (r *ReservationRepo) tryReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ReserveResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	lock := r.dialect.ForUpdate()
	now := r.now().UTC().Truncate(time.Second)

	var (
		status   string
		startAt  database.Time
		capacity int
		venueID  uint64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, start_at, capacity, venue_id FROM class_sessions WHERE id = ?`+lock, req.SessionID).
		Scan(&status, &startAt, &capacity, &venueID)
	if errors.Is(err, sql.ErrNoRows) {
		return rejected(model.RejectSessionNotBookable), nil
	}
	if err != nil {
		return ReserveResult{}, err
	}
	if model.SessionStatus(status) != model.SessionScheduled || !startAt.Time.After(now) {
		return rejected(model.RejectSessionNotBookable), nil
	}

	existing, err := findFact(ctx, tx, req.SessionID, req.PersonID, lock)
	if err != nil {
		return ReserveResult{}, err
	}
	if existing != nil && existing.Status != model.ReservationCanceled {
		return ReserveResult{Reservation: existing, Rejection: model.RejectAlreadyBooked}, nil
	}

	if req.SeatID != nil {
		seat, err := getSeat(ctx, tx, *req.SeatID)
		if err != nil {
			return ReserveResult{}, err
		}
		if seat.VenueID != venueID {
			return ReserveResult{}, fmt.Errorf("%w: seat %d is not in venue %d", ErrSeatInvalid, seat.ID, venueID)
		}
		if !seat.IsActive {
			return rejected(model.RejectSeatTaken), nil
		}
		var holders int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reservations
			 WHERE session_id = ? AND seat_id = ? AND status IN ('reserved', 'checked_in')`,
			req.SessionID, *req.SeatID).Scan(&holders)
		if err != nil {
			return ReserveResult{}, err
		}
		if holders > 0 {
			return rejected(model.RejectSeatTaken), nil
		}
	}

	var occupied int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE session_id = ? AND status IN ('reserved', 'checked_in')`,
		req.SessionID).Scan(&occupied)
	if err != nil {
		return ReserveResult{}, err
	}
	if occupied >= capacity {
		return rejected(model.RejectSessionFull), nil
	}

	fact := &model.Reservation{
		SessionID:  req.SessionID,
		PersonID:   req.PersonID,
		SeatID:     req.SeatID,
		Status:     model.ReservationReserved,
		Source:     req.Source,
		ReservedAt: now,
		UpdatedAt:  now,
	}
	if existing != nil {
		// Re-activate the canceled row; history of the earlier booking is
		// superseded by the new one.
		_, err = tx.ExecContext(ctx,
			`UPDATE reservations
			 SET status = 'reserved', seat_id = ?, source = ?, reserved_at = ?,
			     checkin_at = NULL, checkout_at = NULL, canceled_by = NULL, updated_at = ?
			 WHERE id = ?`,
			nullID(req.SeatID), req.Source, ts(now), ts(now), existing.ID)
		if err != nil {
			return ReserveResult{}, err
		}
		fact.ID = existing.ID
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (session_id, person_id, seat_id, status, source, reserved_at, updated_at)
			 VALUES (?, ?, ?, 'reserved', ?, ?, ?)`,
			req.SessionID, req.PersonID, nullID(req.SeatID), req.Source, ts(now), ts(now))
		if err != nil {
			return ReserveResult{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ReserveResult{}, err
		}
		fact.ID = uint64(id)
	}

	if err := tx.Commit(); err != nil {
		return ReserveResult{}, err
	}
	committed = true
	return ReserveResult{Reservation: fact}, nil
}

// transition moves a fact from one of the allowed statuses to target.  A
// fact already in target is returned unchanged.
func (r *ReservationRepo) transition(ctx context.Context, id uint64, target model.ReservationStatus, from ...model.ReservationStatus) (*model.Reservation, error) {
	f, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status == target {
		return f, nil
	}
	allowed := false
	for _, s := range from {
		if f.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, target)
	}

	now := r.now().UTC().Truncate(time.Second)
	q := `UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{target, ts(now), id, f.Status}
	switch target {
	case model.ReservationCheckedIn:
		q = `UPDATE reservations SET status = ?, updated_at = ?, checkin_at = ? WHERE id = ? AND status = ?`
		args = []any{target, ts(now), ts(now), id, f.Status}
		f.CheckinAt = &now
	case model.ReservationCanceled:
		q = `UPDATE reservations SET status = ?, updated_at = ?, canceled_by = ? WHERE id = ? AND status = ?`
		args = []any{target, ts(now), model.CanceledByPerson, id, f.Status}
		f.CanceledBy = model.CanceledByPerson
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("update reservation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another transition; report what is there now.
		return r.GetByID(ctx, id)
	}
	f.Status, f.UpdatedAt = target, now
	return f, nil
}

// Cancel is idempotent: canceling a canceled fact is a no-op.  The fact is
// marked as canceled by the person, so materialization never revives it.
func (r *ReservationRepo) Cancel(ctx context.Context, id uint64) (*model.Reservation, error) {
	return r.transition(ctx, id, model.ReservationCanceled, model.ReservationReserved, model.ReservationWaitlisted)
}

func (r *ReservationRepo) CheckIn(ctx context.Context, id uint64) (*model.Reservation, error) {
	return r.transition(ctx, id, model.ReservationCheckedIn, model.ReservationReserved)
}

func (r *ReservationRepo) MarkNoShow(ctx context.Context, id uint64) (*model.Reservation, error) {
	return r.transition(ctx, id, model.ReservationNoShow, model.ReservationReserved)
}

// Checkout stamps checkout_at on a checked-in fact; the status stays
// checked_in.  Checking out twice keeps the first stamp.
func (r *ReservationRepo) Checkout(ctx context.Context, id uint64) (*model.Reservation, error) {
	f, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != model.ReservationCheckedIn {
		return nil, fmt.Errorf("%w: checkout requires checked_in, fact is %s", ErrInvalidTransition, f.Status)
	}
	if f.CheckoutAt != nil {
		return f, nil
	}
	now := r.now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET checkout_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'checked_in' AND checkout_at IS NULL`, ts(now), ts(now), id)
	if err != nil {
		return nil, storeErr("checkout reservation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.GetByID(ctx, id)
	}
	f.CheckoutAt, f.UpdatedAt = &now, now
	return f, nil
}

func (r *ReservationRepo) queryFacts(ctx context.Context, op, q string, args ...any) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []*model.Reservation
	for rows.Next() {
		f, err := scanReservation(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, f)
	}
	return out, storeErr(op, rows.Err())
}

// ListBySession returns every fact of a session, oldest first.
func (r *ReservationRepo) ListBySession(ctx context.Context, sessionID uint64) ([]*model.Reservation, error) {
	return r.queryFacts(ctx, "list session reservations",
		`SELECT `+reservationColumns+` FROM reservations WHERE session_id = ? ORDER BY reserved_at, id`, sessionID)
}

// ListByPerson returns the facts of a person on sessions dated in [from, to].
func (r *ReservationRepo) ListByPerson(ctx context.Context, personID uint64, from, to model.Date) ([]*model.Reservation, error) {
	return r.queryFacts(ctx, "list person reservations",
		`SELECT r.id, r.session_id, r.person_id, r.seat_id, r.status, r.source, r.reserved_at,
		        r.checkin_at, r.checkout_at, r.canceled_by, r.updated_at
		 FROM reservations r JOIN class_sessions s ON s.id = r.session_id
		 WHERE r.person_id = ? AND s.session_date >= ? AND s.session_date <= ?
		 ORDER BY s.start_at, r.id`, personID, from, to)
}

// Capacity reports occupancy of a session.
func (r *ReservationRepo) Capacity(ctx context.Context, sessionID uint64) (*model.SessionCapacity, error) {
	s, err := getSession(ctx, r.db, sessionID, "")
	if err != nil {
		return nil, err
	}
	c := &model.SessionCapacity{SessionID: sessionID, Capacity: s.Capacity}
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM reservations WHERE session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return nil, storeErr("session capacity", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("session capacity", err)
		}
		switch model.ReservationStatus(status) {
		case model.ReservationReserved:
			c.Reserved = n
		case model.ReservationCheckedIn:
			c.CheckedIn = n
		case model.ReservationWaitlisted:
			c.Waitlisted = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("session capacity", err)
	}
	if c.Available = c.Capacity - c.Reserved - c.CheckedIn; c.Available < 0 {
		c.Available = 0
	}
	return c, nil
}

// FreeSeats returns the active seats of the session's venue that no
// reserved or checked-in fact holds, ordered by label.
func (r *ReservationRepo) FreeSeats(ctx context.Context, sessionID uint64) ([]*model.Seat, error) {
	s, err := getSession(ctx, r.db, sessionID, "")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM seats
		 WHERE venue_id = ? AND is_active = 1
		   AND id NOT IN (
		     SELECT seat_id FROM reservations
		     WHERE session_id = ? AND seat_id IS NOT NULL AND status IN ('reserved', 'checked_in'))
		 ORDER BY label`, s.VenueID, sessionID)
	if err != nil {
		return nil, storeErr("free seats", err)
	}
	defer rows.Close()

	out := []*model.Seat{}
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, storeErr("scan seat", err)
		}
		out = append(out, seat)
	}
	return out, storeErr("free seats", rows.Err())
}

// FutureFilter selects reserved facts of one person on one template's
// sessions that start after a point in time.
type FutureFilter struct {
	PersonID   uint64
	TemplateID uint64
	Source     model.Source
	After      time.Time
	From, To   model.Date // optional session_date bounds
}

// CancelFuture cancels the matching reserved facts on behalf of a policy and
// returns how many were changed.  Past facts are never touched.
func (r *ReservationRepo) CancelFuture(ctx context.Context, f FutureFilter) (int, error) {
	q := `UPDATE reservations SET status = 'canceled', canceled_by = ?, updated_at = ?
	      WHERE person_id = ? AND source = ? AND status = 'reserved'
	        AND session_id IN (
	          SELECT id FROM class_sessions WHERE template_id = ? AND start_at > ?`
	args := []any{model.CanceledByPolicy, ts(r.now()), f.PersonID, f.Source, f.TemplateID, ts(f.After)}
	if !f.From.IsZero() {
		q += ` AND session_date >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		q += ` AND session_date <= ?`
		args = append(args, f.To)
	}
	q += `)`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storeErr("cancel future reservations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
