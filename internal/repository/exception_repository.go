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

// ExceptionRepo stores per-date overrides of standing bookings.  There is at
// most one row per (rule, date); recording again overwrites it.
type ExceptionRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewExceptionRepo(db *sql.DB) *ExceptionRepo { return &ExceptionRepo{db: db, now: time.Now} }

const exceptionColumns = `id, standing_booking_id, session_date, action, new_session_id, notes, created_at, updated_at`

func scanException(row rowScanner) (*model.StandingException, error) {
	var (
		e                model.StandingException
		action           string
		newSession       sql.NullInt64
		notes            sql.NullString
		created, updated database.Time
	)
	err := row.Scan(&e.ID, &e.StandingBookingID, &e.SessionDate, &action, &newSession, &notes, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.Action = model.ExceptionAction(action)
	e.NewSessionID = idPtr(newSession)
	e.Notes = strPtr(notes)
	e.CreatedAt, e.UpdatedAt = created.Time, updated.Time
	return &e, nil
}

// Record upserts the exception for (rule, date).  A reschedule must name an
// existing scheduled session; a skip never carries one.
func (r *ExceptionRepo) Record(ctx context.Context, e *model.StandingException) error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrExceptionInvalid, e.Action)
	}
	if e.SessionDate.IsZero() {
		return fmt.Errorf("%w: session date is required", ErrExceptionInvalid)
	}
	if _, err := getStanding(ctx, r.db, e.StandingBookingID, ""); err != nil {
		return err
	}
	switch e.Action {
	case model.ExceptionSkip:
		e.NewSessionID = nil
	case model.ExceptionReschedule:
		if e.NewSessionID == nil {
			return fmt.Errorf("%w: reschedule needs a replacement session", ErrExceptionInvalid)
		}
		s, err := getSession(ctx, r.db, *e.NewSessionID, "")
		if errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("%w: replacement session %d not found", ErrExceptionInvalid, *e.NewSessionID)
		}
		if err != nil {
			return err
		}
		if s.Status != model.SessionScheduled {
			return fmt.Errorf("%w: replacement session %d is %s", ErrExceptionInvalid, s.ID, s.Status)
		}
	}

	now := r.now().UTC().Truncate(time.Second)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := r.ExceptionFor(ctx, e.StandingBookingID, e.SessionDate)
		if err != nil {
			return err
		}
		if existing != nil {
			_, err := r.db.ExecContext(ctx,
				`UPDATE standing_booking_exceptions
				 SET action = ?, new_session_id = ?, notes = ?, updated_at = ?
				 WHERE id = ?`,
				e.Action, nullID(e.NewSessionID), e.Notes, ts(now), existing.ID)
			if err != nil {
				return storeErr("update exception", err)
			}
			e.ID, e.CreatedAt, e.UpdatedAt = existing.ID, existing.CreatedAt, now
			return nil
		}
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO standing_booking_exceptions
			   (standing_booking_id, session_date, action, new_session_id, notes, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.StandingBookingID, e.SessionDate, e.Action, nullID(e.NewSessionID), e.Notes, ts(now), ts(now))
		if database.IsDuplicateKey(err) {
			continue // recorded concurrently; overwrite it
		}
		if err != nil {
			return storeErr("insert exception", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return storeErr("insert exception", err)
		}
		e.ID, e.CreatedAt, e.UpdatedAt = uint64(id), now, now
		return nil
	}
	return fmt.Errorf("record exception for rule %d on %s: conflicting writers", e.StandingBookingID, e.SessionDate)
}

// ExceptionFor returns the exception for (rule, date), or nil.
func (r *ExceptionRepo) ExceptionFor(ctx context.Context, ruleID uint64, d model.Date) (*model.StandingException, error) {
	e, err := scanException(r.db.QueryRowContext(ctx,
		`SELECT `+exceptionColumns+` FROM standing_booking_exceptions
		 WHERE standing_booking_id = ? AND session_date = ?`, ruleID, d))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get exception", err)
	}
	return e, nil
}

// ListForRule returns a rule's exceptions in date order.
func (r *ExceptionRepo) ListForRule(ctx context.Context, ruleID uint64) ([]*model.StandingException, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+exceptionColumns+` FROM standing_booking_exceptions
		 WHERE standing_booking_id = ? ORDER BY session_date`, ruleID)
	if err != nil {
		return nil, storeErr("list exceptions", err)
	}
	defer rows.Close()

	var out []*model.StandingException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, storeErr("scan exception", err)
		}
		out = append(out, e)
	}
	return out, storeErr("list exceptions", rows.Err())
}
