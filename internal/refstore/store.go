package refstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when no asset exists under (id, version).
var ErrNotFound = errors.New("asset not found")

// ErrVersionConflict is returned when a write targets an (id, version)
// that already exists. Published versions are immutable; the caller must
// bump the version and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrStillReferenced is returned when deleting a playbook version that
// another playbook still references.
var ErrStillReferenced = errors.New("playbook version still referenced")

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

type sqlDBWrapper struct {
	DB *sql.DB
}

func (w sqlDBWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.DB.ExecContext(ctx, query, args...)
}

func (w sqlDBWrapper) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return w.DB.QueryRowContext(ctx, query, args...)
}

type sqlTxWrapper struct {
	Tx *sql.Tx
}

func (w sqlTxWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.Tx.ExecContext(ctx, query, args...)
}

func (w sqlTxWrapper) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return w.Tx.QueryRowContext(ctx, query, args...)
}

// Store is the Postgres-backed versioned reference store for scripts and
// playbooks.
type Store struct {
	conn dbConn
	raw  *sql.DB
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

var openDB = sql.Open

func NewStore(dsn string) (*Store, error) {
	return NewStoreWithPool(dsn, DefaultPoolConfig())
}

func NewStoreWithPool(dsn string, pool PoolConfig) (*Store, error) {
	conn, err := openDB("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return &Store{conn: sqlDBWrapper{DB: conn}, raw: conn}, nil
}

func (s *Store) Close() error {
	if s == nil || s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func (s *Store) Conn() *sql.DB {
	if s == nil {
		return nil
	}
	return s.raw
}

// withTx runs fn inside a transaction. When the store has no raw *sql.DB
// (struct-fake tests), fn runs directly against the current connection.
func (s *Store) withTx(ctx context.Context, fn func(conn dbConn) error) error {
	if s.raw == nil {
		return fn(s.conn)
	}
	tx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlTxWrapper{Tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation unwraps the Postgres duplicate-key error class.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// clampLimit normalises batch limits for list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
