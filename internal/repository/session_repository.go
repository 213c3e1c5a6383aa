package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/model"
)

// SessionRepo is the session catalog: it turns templates into concrete dated
// sessions.  Creation is idempotent per (template, date); the unique key on
// class_sessions settles concurrent first access.
type SessionRepo struct {
	db      *sql.DB
	dialect database.Dialect
	loc     *time.Location
	now     func() time.Time
}

// NewSessionRepo interprets template local times in loc.
func NewSessionRepo(db *sql.DB, loc *time.Location) *SessionRepo {
	if loc == nil {
		loc = time.UTC
	}
	return &SessionRepo{db: db, dialect: database.DialectOf(db), loc: loc, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (r *SessionRepo) WithClock(now func() time.Time) *SessionRepo {
	r.now = now
	return r
}

// Location is the venue time zone sessions are generated in.
func (r *SessionRepo) Location() *time.Location { return r.loc }

const sessionColumns = `id, template_id, venue_id, name, session_date, start_at, end_at,
	capacity, status, created_at, updated_at`

func scanSession(row rowScanner) (*model.ClassSession, error) {
	var (
		s                model.ClassSession
		tplID            sql.NullInt64
		start, end       database.Time
		created, updated database.Time
		status           string
	)
	err := row.Scan(&s.ID, &tplID, &s.VenueID, &s.Name, &s.SessionDate, &start, &end,
		&s.Capacity, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	s.TemplateID = idPtr(tplID)
	s.StartAt, s.EndAt = start.Time, end.Time
	s.Status = model.SessionStatus(status)
	s.CreatedAt, s.UpdatedAt = created.Time, updated.Time
	return &s, nil
}

func getSession(ctx context.Context, q querier, id uint64, lock string) (*model.ClassSession, error) {
	s, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM class_sessions WHERE id = ?`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return s, nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uint64) (*model.ClassSession, error) {
	return getSession(ctx, r.db, id, "")
}

// GetByTemplateDate returns ErrSessionNotFound when the date is not generated yet.
func (r *SessionRepo) GetByTemplateDate(ctx context.Context, templateID uint64, d model.Date) (*model.ClassSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM class_sessions WHERE template_id = ? AND session_date = ?`,
		templateID, d))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session by date", err)
	}
	return s, nil
}

// ListByTemplate returns the generated sessions of a template in
// [from, to], ascending by date.
func (r *SessionRepo) ListByTemplate(ctx context.Context, templateID uint64, from, to model.Date) ([]*model.ClassSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM class_sessions
		 WHERE template_id = ? AND session_date >= ? AND session_date <= ?
		 ORDER BY session_date`, templateID, from, to)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var out []*model.ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, storeErr("list sessions", rows.Err())
}

// EnsureSessions returns one session for every date in [from, to] on which
// the template runs, creating the missing ones.  Repeated or overlapping
// calls never produce a second session for the same (template, date).
func (r *SessionRepo) EnsureSessions(ctx context.Context, tpl *model.ClassTemplate, from, to model.Date) ([]*model.ClassSession, error) {
	sessions, _, err := r.ensure(ctx, tpl, from, to)
	return sessions, err
}

func (r *SessionRepo) ensure(ctx context.Context, tpl *model.ClassTemplate, from, to model.Date) ([]*model.ClassSession, int, error) {
	if tpl == nil || !tpl.IsActive {
		return nil, 0, ErrInvalidTemplate
	}
	if to.Before(from) {
		return nil, 0, nil
	}

	existing, err := r.ListByTemplate(ctx, tpl.ID, from, to)
	if err != nil {
		return nil, 0, err
	}
	byDate := make(map[string]*model.ClassSession, len(existing))
	for _, s := range existing {
		byDate[s.SessionDate.String()] = s
	}

	capacity, err := r.effectiveCapacity(ctx, tpl)
	if err != nil {
		return nil, 0, err
	}

	created := 0
	for d := tpl.NextOccurrence(from); !d.After(to); d = d.AddDays(7) {
		if _, ok := byDate[d.String()]; ok {
			continue
		}
		s, inserted, err := r.insertOccurrence(ctx, tpl, d, capacity)
		if err != nil {
			return nil, created, err
		}
		if inserted {
			created++
		}
		byDate[d.String()] = s
	}

	out := make([]*model.ClassSession, 0, len(byDate))
	for _, s := range byDate {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionDate.Before(out[j].SessionDate) })
	return out, created, nil
}

func (r *SessionRepo) effectiveCapacity(ctx context.Context, tpl *model.ClassTemplate) (int, error) {
	if tpl.DefaultCapacity != nil && *tpl.DefaultCapacity > 0 {
		return *tpl.DefaultCapacity, nil
	}
	var capacity int
	err := r.db.QueryRowContext(ctx, `SELECT capacity FROM venues WHERE id = ?`, tpl.VenueID).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: venue %d missing", ErrInvalidTemplate, tpl.VenueID)
	}
	if err != nil {
		return 0, storeErr("venue capacity", err)
	}
	return capacity, nil
}

// insertOccurrence creates the session for d.  A duplicate key means another
// caller won the race, in which case its row is returned.
func (r *SessionRepo) insertOccurrence(ctx context.Context, tpl *model.ClassTemplate, d model.Date, capacity int) (*model.ClassSession, bool, error) {
	start, end, err := tpl.Bounds(d, r.loc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	now := r.now().UTC().Truncate(time.Second)
	s := &model.ClassSession{
		TemplateID:  &tpl.ID,
		VenueID:     tpl.VenueID,
		Name:        tpl.Name,
		SessionDate: d,
		StartAt:     start,
		EndAt:       end,
		Capacity:    capacity,
		Status:      model.SessionScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO class_sessions
		   (template_id, venue_id, name, session_date, start_at, end_at, capacity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, s.VenueID, s.Name, d, ts(start), ts(end), capacity, s.Status, ts(now), ts(now))
	if database.IsDuplicateKey(err) {
		winner, err := r.GetByTemplateDate(ctx, tpl.ID, d)
		return winner, false, err
	}
	if err != nil {
		return nil, false, storeErr("insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, storeErr("insert session", err)
	}
	s.ID = uint64(id)
	return s, true, nil
}

// AdHocSession describes a one-off session with no template.
type AdHocSession struct {
	VenueID     uint64
	Name        string
	StartAt     time.Time
	DurationMin int
	Capacity    int // 0 means the venue capacity
}

// CreateAdHoc inserts a template-less session.
func (r *SessionRepo) CreateAdHoc(ctx context.Context, in AdHocSession) (*model.ClassSession, error) {
	if in.DurationMin <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	capacity := in.Capacity
	if capacity <= 0 {
		err := r.db.QueryRowContext(ctx, `SELECT capacity FROM venues WHERE id = ?`, in.VenueID).Scan(&capacity)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVenueNotFound
		}
		if err != nil {
			return nil, storeErr("venue capacity", err)
		}
	}
	now := r.now().UTC().Truncate(time.Second)
	start := in.StartAt.UTC().Truncate(time.Second)
	s := &model.ClassSession{
		VenueID:     in.VenueID,
		Name:        in.Name,
		SessionDate: model.DateOf(start, r.loc),
		StartAt:     start,
		EndAt:       start.Add(time.Duration(in.DurationMin) * time.Minute),
		Capacity:    capacity,
		Status:      model.SessionScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO class_sessions
		   (template_id, venue_id, name, session_date, start_at, end_at, capacity, status, created_at, updated_at)
		 VALUES (NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.VenueID, s.Name, s.SessionDate, ts(s.StartAt), ts(s.EndAt), s.Capacity, s.Status, ts(now), ts(now))
	if err != nil {
		return nil, storeErr("insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("insert session", err)
	}
	s.ID = uint64(id)
	return s, nil
}

// Cancel marks a session canceled.  With cancelReservations the occupied
// and waitlisted facts on it are canceled in the same transaction; the
// number of facts touched is returned.
func (r *SessionRepo) Cancel(ctx context.Context, id uint64, cancelReservations bool) (*model.ClassSession, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, storeErr("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	s, err := getSession(ctx, tx, id, r.dialect.ForUpdate())
	if err != nil {
		return nil, 0, err
	}
	if s.Status == model.SessionCompleted {
		return nil, 0, fmt.Errorf("%w: session %d is completed", ErrInvalidTransition, id)
	}
	now := ts(r.now())
	if s.Status != model.SessionCanceled {
		if _, err := tx.ExecContext(ctx,
			`UPDATE class_sessions SET status = ?, updated_at = ? WHERE id = ?`,
			model.SessionCanceled, now, id); err != nil {
			return nil, 0, storeErr("cancel session", err)
		}
	}
	touched := 0
	if cancelReservations {
		res, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = 'canceled', canceled_by = ?, updated_at = ?
			 WHERE session_id = ? AND status IN ('reserved', 'waitlisted')`, model.CanceledBySession, now, id)
		if err != nil {
			return nil, 0, storeErr("cancel session reservations", err)
		}
		n, _ := res.RowsAffected()
		touched = int(n)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, storeErr("commit", err)
	}
	committed = true
	s.Status = model.SessionCanceled
	return s, touched, nil
}

// Complete marks a scheduled session completed.  Completing a completed
// session is a no-op; a canceled one cannot be completed.
func (r *SessionRepo) Complete(ctx context.Context, id uint64) (*model.ClassSession, error) {
	s, err := getSession(ctx, r.db, id, "")
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case model.SessionCompleted:
		return s, nil
	case model.SessionCanceled:
		return nil, fmt.Errorf("%w: session %d is canceled", ErrInvalidTransition, id)
	}
	now := r.now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx,
		`UPDATE class_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.SessionCompleted, ts(now), id, model.SessionScheduled)
	if err != nil {
		return nil, storeErr("complete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.GetByID(ctx, id)
	}
	s.Status, s.UpdatedAt = model.SessionCompleted, now
	return s, nil
}

// UpdateCapacity changes the capacity of a scheduled session.  It never
// drops below the places already held by reserved and checked-in facts.
func (r *SessionRepo) UpdateCapacity(ctx context.Context, id uint64, capacity int) (*model.ClassSession, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
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

	s, err := getSession(ctx, tx, id, r.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionScheduled {
		return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidTransition, id, s.Status)
	}
	var occupied int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE session_id = ? AND status IN ('reserved', 'checked_in')`,
		id).Scan(&occupied)
	if err != nil {
		return nil, storeErr("count occupancy", err)
	}
	if capacity < occupied {
		return nil, fmt.Errorf("%w: %d places are taken, capacity %d requested",
			ErrCapacityBelowOccupancy, occupied, capacity)
	}
	now := r.now().UTC().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx,
		`UPDATE class_sessions SET capacity = ?, updated_at = ? WHERE id = ?`,
		capacity, ts(now), id); err != nil {
		return nil, storeErr("update capacity", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	committed = true
	s.Capacity, s.UpdatedAt = capacity, now
	return s, nil
}

// SessionFilter narrows ListByDateRange.  Zero VenueID and empty Status
// match everything.
type SessionFilter struct {
	From, To model.Date
	VenueID  uint64
	Status   model.SessionStatus
}

// ListByDateRange returns sessions dated in [From, To], template-based and
// ad-hoc alike, ordered by start time.
func (r *SessionRepo) ListByDateRange(ctx context.Context, f SessionFilter) ([]*model.ClassSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE session_date >= ? AND session_date <= ?`
	args := []any{f.From, f.To}
	if f.VenueID != 0 {
		q += ` AND venue_id = ?`
		args = append(args, f.VenueID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY start_at, id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list sessions by date", err)
	}
	defer rows.Close()

	out := []*model.ClassSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, storeErr("list sessions by date", rows.Err())
}

// EnsureWindow generates sessions for every given template over
// [from, to] and returns how many rows were created per template.
func (r *SessionRepo) EnsureWindow(ctx context.Context, templates []*model.ClassTemplate, from, to model.Date) (map[uint64]int, error) {
	created := make(map[uint64]int, len(templates))
	for _, tpl := range templates {
		if !tpl.IsActive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return created, err
		}
		_, n, err := r.ensure(ctx, tpl, from, to)
		if err != nil {
			return created, fmt.Errorf("template %d: %w", tpl.ID, err)
		}
		created[tpl.ID] = n
	}
	return created, nil
}

// Coverage compares expected and generated occurrences of each active
// template over [from, to].
func (r *SessionRepo) Coverage(ctx context.Context, templates []*model.ClassTemplate, from, to model.Date) ([]model.TemplateCoverage, error) {
	out := make([]model.TemplateCoverage, 0, len(templates))
	for _, tpl := range templates {
		if !tpl.IsActive {
			continue
		}
		existing, err := r.ListByTemplate(ctx, tpl.ID, from, to)
		if err != nil {
			return nil, err
		}
		have := make(map[string]bool, len(existing))
		for _, s := range existing {
			have[s.SessionDate.String()] = true
		}
		c := model.TemplateCoverage{TemplateID: tpl.ID, TemplateName: tpl.Name, Missing: []model.Date{}}
		for d := tpl.NextOccurrence(from); !d.After(to); d = d.AddDays(7) {
			c.Expected++
			if have[d.String()] {
				c.Existing++
			} else {
				c.Missing = append(c.Missing, d)
			}
		}
		out = append(out, c)
	}
	return out, nil
}
