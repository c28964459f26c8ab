// Package store provides SQL-backed persistence for all core entities.
// It runs on SQLite (development, tests) and PostgreSQL (production); queries
// are written with ? bindvars and rebound per driver.
//
// Mutations run inside Store.InTx so that every business write and its event
// append commit or roll back together.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/db"
)

// Store provides access to the backing database.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates a Store over the given pool and initializes the schema.
func New(pool *db.Pool, driver string) (*Store, error) {
	s := &Store{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Driver returns the database driver name (sqlite3 or pgx).
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// reader returns the read pool.
func (s *Store) reader() *sqlx.DB {
	return s.pool.Reader()
}

// Tx is one open transaction. All mutating entity methods hang off Tx so the
// caller cannot forget to pair them with their event appends.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// InTx runs fn inside a transaction on the writer pool. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	txx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	t := &Tx{tx: txx, driver: s.driver}
	if err := fn(t); err != nil {
		if rbErr := txx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := txx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Exec runs a raw statement inside the transaction with ? bindvars.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

// notFound maps a sql.ErrNoRows result to the domain error taxonomy.
func notFound(err error, entity string, id any) error {
	if err == sql.ErrNoRows {
		return notFoundErr(entity, id)
	}
	return err
}

// notFoundErr builds a NotFound error directly, for updates that matched
// zero rows.
func notFoundErr(entity string, id any) error {
	return apperr.New(apperr.NotFound, "%s %v not found", entity, id)
}

// nowUTC is the single clock used for row timestamps.
func nowUTC() time.Time {
	return time.Now().UTC()
}
