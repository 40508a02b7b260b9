// Package postgres implements the job lease manager and the change-event storage on
// Postgres through pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultMaxAttempts  = 5
	DefaultLeaseTimeout = 15 * time.Minute

	maxErrorChars      = 500
	maxBackoffMinutes  = 60
	backoffStepMinutes = 5
)

// Config controls the pool and the lease policy.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxAttempts     int
	LeaseTimeout    time.Duration
}

// DB is the subset of *pgxpool.Pool the store needs; pgxmock pools satisfy it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres-backed lease manager and change store.
type Store struct {
	db           DB
	ids          monitor.IDGenerator
	maxAttempts  int
	leaseTimeout time.Duration
}

var _ monitor.JobStore = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, ids monitor.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithDB(pool, cfg, ids)
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(db DB, cfg Config, ids monitor.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	leaseTimeout := cfg.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &Store{db: db, ids: ids, maxAttempts: maxAttempts, leaseTimeout: leaseTimeout}, nil
}

// MaxAttempts returns the attempt budget of a job.
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// withTx runs fn in a transaction that commits on success and rolls back on error or panic.
func (s *Store) withTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var readCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// TruncateError bounds a stored error message to 500 characters.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorChars {
		return msg
	}
	return string(r[:maxErrorChars-3]) + "..."
}

// BackoffMinutes is the retry delay after the given number of failed attempts.
func BackoffMinutes(attempts int) int {
	return min(maxBackoffMinutes, attempts*backoffStepMinutes)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
