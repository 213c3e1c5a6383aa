package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/gym-standing-booking/internal/database"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx so read helpers can run inside
// or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// nullID binds an optional id.
func nullID(id *uint64) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func idPtr(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func ts(t time.Time) string { return database.FormatTimestamp(t) }

// in renders "(?, ?, ...)" for n placeholders.
func in(n int) string {
	if n <= 0 {
		return "(NULL)"
	}
	b := make([]byte, 0, 3*n+1)
	b = append(b, '(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(append(b, ')'))
}
