// Package dbtest opens throwaway migrated SQLite databases for tests and
// seeds the catalog rows most tests need.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/gym-standing-booking/internal/database"
)

// Open returns a migrated database living in t.TempDir().
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "standing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}

func insert(t testing.TB, db *sql.DB, q string, args ...any) uint64 {
	t.Helper()
	res, err := db.Exec(q, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return uint64(id)
}

// Venue inserts a venue with the given capacity.
func Venue(t testing.TB, db *sql.DB, name string, capacity int) uint64 {
	return insert(t, db, `INSERT INTO venues (name, capacity) VALUES (?, ?)`, name, capacity)
}

// Seat inserts an active seat.
func Seat(t testing.TB, db *sql.DB, venueID uint64, label string) uint64 {
	return insert(t, db, `INSERT INTO seats (venue_id, label, is_active) VALUES (?, ?, 1)`, venueID, label)
}

// Template inserts an active 60 minute template.  capacity 0 leaves
// default_capacity NULL so the venue capacity applies.
func Template(t testing.TB, db *sql.DB, venueID uint64, name string, weekday int, start string, capacity int) uint64 {
	var c any
	if capacity > 0 {
		c = capacity
	}
	return insert(t, db,
		`INSERT INTO class_templates (venue_id, name, weekday, start_time_local, duration_min, default_capacity, is_active)
		 VALUES (?, ?, ?, ?, 60, ?, 1)`, venueID, name, weekday, start, c)
}

// Count runs a COUNT(*) style query.
func Count(t testing.TB, db *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(q, args...).Scan(&n))
	return n
}
