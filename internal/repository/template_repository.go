package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// TemplateRepo stores recurring class templates.
type TemplateRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db, now: time.Now} }

const templateColumns = `id, venue_id, name, weekday, start_time_local, duration_min,
	default_capacity, is_active, created_at, updated_at`

func scanTemplate(row rowScanner) (*model.ClassTemplate, error) {
	var (
		t                model.ClassTemplate
		defCap           sql.NullInt64
		created, updated database.Time
	)
	err := row.Scan(&t.ID, &t.VenueID, &t.Name, &t.Weekday, &t.StartTimeLocal, &t.DurationMin,
		&defCap, &t.IsActive, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.DefaultCapacity = intPtr(defCap)
	t.CreatedAt, t.UpdatedAt = created.Time, updated.Time
	if norm, err := model.NormalizeClock(t.StartTimeLocal); err == nil {
		t.StartTimeLocal = norm
	}
	return &t, nil
}

// Create validates the venue and inserts an active template.
func (r *TemplateRepo) Create(ctx context.Context, t *model.ClassTemplate) error {
	clock, err := model.NormalizeClock(t.StartTimeLocal)
	if err != nil {
		return err
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM venues WHERE id = ?`, t.VenueID).Scan(&exists)
	if err != nil {
		return storeErr("check venue", err)
	}
	if exists == 0 {
		return ErrVenueNotFound
	}

	now := r.now().UTC().Truncate(time.Second)
	t.StartTimeLocal, t.IsActive, t.CreatedAt, t.UpdatedAt = clock, true, now, now
	var defCap any
	if t.DefaultCapacity != nil {
		defCap = *t.DefaultCapacity
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO class_templates
		   (venue_id, name, weekday, start_time_local, duration_min, default_capacity, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.VenueID, t.Name, t.Weekday, t.StartTimeLocal, t.DurationMin, defCap, t.IsActive, ts(now), ts(now))
	if err != nil {
		return storeErr("insert template", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeErr("insert template", err)
	}
	t.ID = uint64(id)
	return nil
}

func getTemplate(ctx context.Context, q querier, id uint64) (*model.ClassTemplate, error) {
	t, err := scanTemplate(q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM class_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, storeErr("get template", err)
	}
	return t, nil
}

func (r *TemplateRepo) GetByID(ctx context.Context, id uint64) (*model.ClassTemplate, error) {
	return getTemplate(ctx, r.db, id)
}

// List returns templates ordered by weekday and start time.
func (r *TemplateRepo) List(ctx context.Context, activeOnly bool) ([]*model.ClassTemplate, error) {
	q := `SELECT ` + templateColumns + ` FROM class_templates`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY weekday, start_time_local, id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storeErr("list templates", err)
	}
	defer rows.Close()

	var out []*model.ClassTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, storeErr("scan template", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list templates", rows.Err())
}

// SetActive flips is_active.  Deactivating a template stops session
// generation; existing sessions and reservations are untouched.
func (r *TemplateRepo) SetActive(ctx context.Context, id uint64, active bool) (*model.ClassTemplate, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE class_templates SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, ts(r.now()), id)
	if err != nil {
		return nil, storeErr("update template", err)
	}
	return r.GetByID(ctx, id)
}
