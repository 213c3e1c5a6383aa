package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// StandingRepo is the standing rule store.  At most one active rule per
// (person, subscription, template) is enforced by a unique index; the
// repository translates its violation into ErrActiveRuleExists.
type StandingRepo struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewStandingRepo(db *sql.DB) *StandingRepo {
	return &StandingRepo{db: db, dialect: database.DialectOf(db), now: time.Now}
}

// StandingFilter narrows rule listings.  Zero fields are ignored.
type StandingFilter struct {
	IDs            []uint64
	PersonID       uint64
	SubscriptionID uint64
	TemplateID     uint64
	Status         model.StandingStatus
}

const standingColumns = `id, person_id, subscription_id, template_id, seat_id, start_date, end_date,
	status, created_at, updated_at`

func scanStanding(row rowScanner) (*model.StandingBooking, error) {
	var (
		b                model.StandingBooking
		seat             sql.NullInt64
		status           string
		created, updated database.Time
	)
	err := row.Scan(&b.ID, &b.PersonID, &b.SubscriptionID, &b.TemplateID, &seat, &b.StartDate, &b.EndDate,
		&status, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.SeatID = idPtr(seat)
	b.Status = model.StandingStatus(status)
	b.CreatedAt, b.UpdatedAt = created.Time, updated.Time
	return &b, nil
}

func getStanding(ctx context.Context, q querier, id uint64, lock string) (*model.StandingBooking, error) {
	b, err := scanStanding(q.QueryRowContext(ctx,
		`SELECT `+standingColumns+` FROM standing_bookings WHERE id = ?`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStandingNotFound
	}
	if err != nil {
		return nil, storeErr("get standing booking", err)
	}
	return b, nil
}

func (r *StandingRepo) GetByID(ctx context.Context, id uint64) (*model.StandingBooking, error) {
	return getStanding(ctx, r.db, id, "")
}

// validateSlot checks that the template is usable and the seat (if any)
// belongs to its venue, then that no other active rule holds the seat on
// the template over an overlapping window.
func (r *StandingRepo) validateSlot(ctx context.Context, q querier, b *model.StandingBooking) error {
	if b.EndDate.Before(b.StartDate) || b.StartDate.IsZero() || b.EndDate.IsZero() {
		return ErrInvalidWindow
	}
	tpl, err := getTemplate(ctx, q, b.TemplateID)
	if errors.Is(err, ErrTemplateNotFound) {
		return fmt.Errorf("%w: template %d not found", ErrInvalidTemplate, b.TemplateID)
	}
	if err != nil {
		return err
	}
	if !tpl.IsActive {
		return fmt.Errorf("%w: template %d is inactive", ErrInvalidTemplate, tpl.ID)
	}
	if b.SeatID == nil {
		return nil
	}
	seat, err := getSeat(ctx, q, *b.SeatID)
	if errors.Is(err, ErrSeatNotFound) {
		return fmt.Errorf("%w: seat %d not found", ErrSeatInvalid, *b.SeatID)
	}
	if err != nil {
		return err
	}
	if seat.VenueID != tpl.VenueID || !seat.IsActive {
		return fmt.Errorf("%w: seat %d", ErrSeatInvalid, seat.ID)
	}
	var holders int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM standing_bookings
		 WHERE template_id = ? AND seat_id = ? AND status = 'active' AND id <> ?
		   AND start_date <= ? AND end_date >= ?`,
		b.TemplateID, *b.SeatID, b.ID, b.EndDate, b.StartDate).Scan(&holders)
	if err != nil {
		return storeErr("check seat commitment", err)
	}
	if holders > 0 {
		return ErrSeatCommitted
	}
	return nil
}

// Create inserts an active rule after validating its slot.
func (r *StandingRepo) Create(ctx context.Context, b *model.StandingBooking) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b.ID = 0
	b.Status = model.StandingActive
	if err := r.validateSlot(ctx, tx, b); err != nil {
		return err
	}
	now := r.now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO standing_bookings
		   (person_id, subscription_id, template_id, seat_id, start_date, end_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		b.PersonID, b.SubscriptionID, b.TemplateID, nullID(b.SeatID), b.StartDate, b.EndDate, ts(now), ts(now))
	if database.IsDuplicateKey(err) {
		return ErrActiveRuleExists
	}
	if err != nil {
		return storeErr("insert standing booking", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeErr("insert standing booking", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	committed = true
	b.ID, b.CreatedAt, b.UpdatedAt = uint64(id), now, now
	return nil
}

func (f StandingFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN "+in(len(f.IDs)))
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.PersonID != 0 {
		conds = append(conds, "person_id = ?")
		args = append(args, f.PersonID)
	}
	if f.SubscriptionID != 0 {
		conds = append(conds, "subscription_id = ?")
		args = append(args, f.SubscriptionID)
	}
	if f.TemplateID != 0 {
		conds = append(conds, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *StandingRepo) query(ctx context.Context, q string, args ...any) ([]*model.StandingBooking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list standing bookings", err)
	}
	defer rows.Close()

	var out []*model.StandingBooking
	for rows.Next() {
		b, err := scanStanding(rows)
		if err != nil {
			return nil, storeErr("scan standing booking", err)
		}
		out = append(out, b)
	}
	return out, storeErr("list standing bookings", rows.Err())
}

// List returns rules matching f ordered by id.
func (r *StandingRepo) List(ctx context.Context, f StandingFilter) ([]*model.StandingBooking, error) {
	where, args := f.where()
	return r.query(ctx, `SELECT `+standingColumns+` FROM standing_bookings`+where+` ORDER BY id`, args...)
}

// ListActive returns the active rules matching f whose window overlaps
// [from, to].  Any Status set on f is ignored.
func (r *StandingRepo) ListActive(ctx context.Context, f StandingFilter, from, to model.Date) ([]*model.StandingBooking, error) {
	f.Status = model.StandingActive
	where, args := f.where()
	where += ` AND start_date <= ? AND end_date >= ?`
	args = append(args, to, from)
	return r.query(ctx, `SELECT `+standingColumns+` FROM standing_bookings`+where+` ORDER BY id`, args...)
}

// SetLifecycle moves a rule between active and paused, or to canceled.
// Canceled is terminal.  Already materialized reservations are left alone.
func (r *StandingRepo) SetLifecycle(ctx context.Context, id uint64, status model.StandingStatus) (*model.StandingBooking, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b, err := getStanding(ctx, tx, id, r.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if b.Status == status {
		return b, nil
	}
	if b.Status == model.StandingCanceled {
		return nil, fmt.Errorf("%w: standing booking %d is canceled", ErrInvalidTransition, id)
	}
	if status == model.StandingActive {
		b.Status = status
		if err := r.validateSlot(ctx, tx, b); err != nil {
			return nil, err
		}
	}
	now := r.now().UTC().Truncate(time.Second)
	_, err = tx.ExecContext(ctx,
		`UPDATE standing_bookings SET status = ?, updated_at = ? WHERE id = ?`, status, ts(now), id)
	if database.IsDuplicateKey(err) {
		return nil, ErrActiveRuleExists
	}
	if err != nil {
		return nil, storeErr("update standing booking", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	committed = true
	b.Status, b.UpdatedAt = status, now
	return b, nil
}

// ChangeSlot moves a rule to another template and/or seat.  It returns the
// rule as it was before the change and as it is after.
func (r *StandingRepo) ChangeSlot(ctx context.Context, id, templateID uint64, seatID *uint64) (before, after *model.StandingBooking, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	before, err = getStanding(ctx, tx, id, r.dialect.ForUpdate())
	if err != nil {
		return nil, nil, err
	}
	if before.Status == model.StandingCanceled {
		return nil, nil, fmt.Errorf("%w: standing booking %d is canceled", ErrInvalidTransition, id)
	}
	next := *before
	next.TemplateID, next.SeatID = templateID, seatID
	if err := r.validateSlot(ctx, tx, &next); err != nil {
		return nil, nil, err
	}
	now := r.now().UTC().Truncate(time.Second)
	_, err = tx.ExecContext(ctx,
		`UPDATE standing_bookings SET template_id = ?, seat_id = ?, updated_at = ? WHERE id = ?`,
		templateID, nullID(seatID), ts(now), id)
	if database.IsDuplicateKey(err) {
		return nil, nil, ErrActiveRuleExists
	}
	if err != nil {
		return nil, nil, storeErr("update standing booking", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, storeErr("commit", err)
	}
	committed = true
	next.UpdatedAt = now
	return before, &next, nil
}

// SetWindow replaces the validity window.  Used when a subscription is
// extended or shortened in place.
func (r *StandingRepo) SetWindow(ctx context.Context, id uint64, start, end model.Date) (*model.StandingBooking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b, err := getStanding(ctx, tx, id, r.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if b.Status == model.StandingCanceled {
		return nil, fmt.Errorf("%w: standing booking %d is canceled", ErrInvalidTransition, id)
	}
	b.StartDate, b.EndDate = start, end
	if b.Status == model.StandingActive {
		if err := r.validateSlot(ctx, tx, b); err != nil {
			return nil, err
		}
	} else if end.Before(start) {
		return nil, ErrInvalidWindow
	}
	now := r.now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx,
		`UPDATE standing_bookings SET start_date = ?, end_date = ?, updated_at = ? WHERE id = ?`,
		start, end, ts(now), id); err != nil {
		return nil, storeErr("update standing booking", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	committed = true
	b.UpdatedAt = now
	return b, nil
}

// Supersede cancels rule oldID and creates next in its place within one
// transaction, so the old rule's seat is free for the new one and a failed
// create leaves the old rule untouched.
func (r *StandingRepo) Supersede(ctx context.Context, oldID uint64, next *model.StandingBooking) (*model.StandingBooking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	old, err := getStanding(ctx, tx, oldID, r.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if old.Status == model.StandingCanceled {
		return nil, fmt.Errorf("%w: standing booking %d is canceled", ErrInvalidTransition, oldID)
	}
	now := r.now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx,
		`UPDATE standing_bookings SET status = 'canceled', updated_at = ? WHERE id = ?`, ts(now), oldID); err != nil {
		return nil, storeErr("cancel superseded booking", err)
	}

	next.ID = 0
	next.Status = model.StandingActive
	if err := r.validateSlot(ctx, tx, next); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO standing_bookings
		   (person_id, subscription_id, template_id, seat_id, start_date, end_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		next.PersonID, next.SubscriptionID, next.TemplateID, nullID(next.SeatID), next.StartDate, next.EndDate, ts(now), ts(now))
	if database.IsDuplicateKey(err) {
		return nil, ErrActiveRuleExists
	}
	if err != nil {
		return nil, storeErr("insert standing booking", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("insert standing booking", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	committed = true
	next.ID, next.CreatedAt, next.UpdatedAt = uint64(id), now, now
	old.Status, old.UpdatedAt = model.StandingCanceled, now
	return old, nil
}

// CancelBySubscription cancels every non-canceled rule of a subscription and
// returns them as they are after the update.
func (r *StandingRepo) CancelBySubscription(ctx context.Context, subscriptionID uint64) ([]*model.StandingBooking, error) {
	rules, err := r.List(ctx, StandingFilter{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	var out []*model.StandingBooking
	for _, b := range rules {
		if b.Status == model.StandingCanceled {
			continue
		}
		updated, err := r.SetLifecycle(ctx, b.ID, model.StandingCanceled)
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// AvailableSeats lists the active seats of a template's venue that no active
// rule on the template holds during [from, to].
func (r *StandingRepo) AvailableSeats(ctx context.Context, templateID uint64, from, to model.Date) ([]*model.Seat, error) {
	tpl, err := getTemplate(ctx, r.db, templateID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM seats
		 WHERE venue_id = ? AND is_active = 1
		   AND id NOT IN (
		     SELECT seat_id FROM standing_bookings
		     WHERE template_id = ? AND status = 'active' AND seat_id IS NOT NULL
		       AND start_date <= ? AND end_date >= ?)
		 ORDER BY label`,
		tpl.VenueID, templateID, to, from)
	if err != nil {
		return nil, storeErr("available seats", err)
	}
	defer rows.Close()

	var out []*model.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, storeErr("scan seat", err)
		}
		out = append(out, s)
	}
	return out, storeErr("available seats", rows.Err())
}
