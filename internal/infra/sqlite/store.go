// Package sqlite provides the SQLite-backed account store and transaction
// ledger. Balance updates and the status write that justifies them share one
// SQL transaction, which is what makes a committed transfer atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/boddenberg/account-ledger-go/internal/domain"
	"github.com/boddenberg/account-ledger-go/internal/infra/sqlite/migrations"
	"github.com/boddenberg/account-ledger-go/internal/port"

	"go.opentelemetry.io/otel"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var tracer = otel.Tracer("infra/sqlite")

const defaultPageSize = 200

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists accounts and ledger entries in SQLite.
type Store struct {
	sqlDB    *sql.DB
	floors   domain.FloorPolicy
	pageSize int
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithFloorPolicy makes AdjustBalance refuse results below the account floor.
func WithFloorPolicy(p domain.FloorPolicy) Option {
	return func(s *Store) { s.floors = p }
}

// WithPageSize sets how many rows each lazy listing page fetches.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers inside the process; BEGIN
	// IMMEDIATE plus busy_timeout covers other processes on the same file.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{sqlDB: sqlDB, pageSize: defaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Accounts returns the account store bound to the database.
func (s *Store) Accounts() port.AccountStore {
	return &accountRepo{q: s.sqlDB, store: s}
}

// Ledger returns the transaction ledger bound to the database.
func (s *Store) Ledger() port.TransactionLedger {
	return &ledgerRepo{q: s.sqlDB, store: s}
}

// RunInTx runs fn inside one SQL transaction. fn must only use the views it
// is given: the store has a single connection, and it is held by the
// transaction until fn returns.
func (s *Store) RunInTx(ctx context.Context, fn func(accounts port.AccountStore, ledger port.TransactionLedger) error) (err error) {
	ctx, span := tracer.Start(ctx, "Store.RunInTx")
	defer span.End()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&accountRepo{q: tx, store: s}, &ledgerRepo{q: tx, store: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var (
	_ port.Store             = (*Store)(nil)
	_ port.AccountStore      = (*accountRepo)(nil)
	_ port.TransactionLedger = (*ledgerRepo)(nil)
)
