package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturningID executes an INSERT and returns the auto-generated ID.
// Accepts either a *sqlx.DB or a *sqlx.Tx so inserts can run inside the
// transaction that also appends events.
//
//	Postgres: appends RETURNING id and scans the result.
//	SQLite:   uses LastInsertId() from the exec result.
func InsertReturningID(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (int64, error) {
	if IsPostgres(q.DriverName()) {
		var id int64
		err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
