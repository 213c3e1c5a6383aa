package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// VenueRepo stores venues and their seats.
type VenueRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewVenueRepo(db *sql.DB) *VenueRepo { return &VenueRepo{db: db, now: time.Now} }

// Create inserts a venue and fills in its ID and CreatedAt.
func (r *VenueRepo) Create(ctx context.Context, v *model.Venue) error {
	v.CreatedAt = r.now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO venues (name, capacity, created_at) VALUES (?, ?, ?)`,
		v.Name, v.Capacity, ts(v.CreatedAt))
	if err != nil {
		return storeErr("insert venue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeErr("insert venue", err)
	}
	v.ID = uint64(id)
	return nil
}

func (r *VenueRepo) GetByID(ctx context.Context, id uint64) (*model.Venue, error) {
	var (
		v       model.Venue
		created database.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, capacity, created_at FROM venues WHERE id = ?`, id).
		Scan(&v.ID, &v.Name, &v.Capacity, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVenueNotFound
	}
	if err != nil {
		return nil, storeErr("get venue", err)
	}
	v.CreatedAt = created.Time
	return &v, nil
}

// AddSeat creates a seat in a venue.  Labels are unique per venue.
func (r *VenueRepo) AddSeat(ctx context.Context, s *model.Seat) error {
	if _, err := r.GetByID(ctx, s.VenueID); err != nil {
		return err
	}
	s.IsActive = true
	s.CreatedAt = r.now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO seats (venue_id, label, is_active, created_at) VALUES (?, ?, ?, ?)`,
		s.VenueID, s.Label, s.IsActive, ts(s.CreatedAt))
	if database.IsDuplicateKey(err) {
		return ErrDuplicateSeatLabel
	}
	if err != nil {
		return storeErr("insert seat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeErr("insert seat", err)
	}
	s.ID = uint64(id)
	return nil
}

const seatColumns = `id, venue_id, label, is_active, created_at`

func scanSeat(row rowScanner) (*model.Seat, error) {
	var (
		s       model.Seat
		created database.Time
	)
	if err := row.Scan(&s.ID, &s.VenueID, &s.Label, &s.IsActive, &created); err != nil {
		return nil, err
	}
	s.CreatedAt = created.Time
	return &s, nil
}

func getSeat(ctx context.Context, q querier, id uint64) (*model.Seat, error) {
	s, err := scanSeat(q.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSeatNotFound
	}
	if err != nil {
		return nil, storeErr("get seat", err)
	}
	return s, nil
}

func (r *VenueRepo) GetSeat(ctx context.Context, id uint64) (*model.Seat, error) {
	return getSeat(ctx, r.db, id)
}

// SetSeatActive toggles a seat.  Deactivated seats stay referenced by history.
func (r *VenueRepo) SetSeatActive(ctx context.Context, id uint64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE seats SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return storeErr("update seat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetSeat(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListSeats returns the seats of a venue ordered by label.
func (r *VenueRepo) ListSeats(ctx context.Context, venueID uint64) ([]*model.Seat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+seatColumns+` FROM seats WHERE venue_id = ? ORDER BY label`, venueID)
	if err != nil {
		return nil, storeErr("list seats", err)
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
	return out, storeErr("list seats", rows.Err())
}
