// Package store provides the pooled database handle shared by all
// coordination subsystems. It only exposes context-aware methods so the
// per-request deadline always propagates to SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Error kinds. Callers classify failures with errors.Is and decide whether
// a retry is worthwhile.
var (
	// ErrPoolTimeout means a connection could not be acquired before the
	// configured deadline.
	ErrPoolTimeout = errors.New("store: pool acquisition timed out")

	// ErrTransient marks driver errors that may succeed on retry
	// (SQLITE_BUSY, SQLITE_LOCKED, interrupted).
	ErrTransient = errors.New("store: transient database error")

	// ErrFatal marks schema or permission failures. Retrying is pointless.
	ErrFatal = errors.New("store: fatal database error")

	// ErrProgrammer marks parameter or placeholder mistakes. Never retried.
	ErrProgrammer = errors.New("store: programmer error")
)

const (
	retryAttempts  = 3
	retryBaseDelay = 25 * time.Millisecond
)

// DB wraps *sql.DB behind context-only methods. Raw Query/Exec are
// deliberately hidden; schema setup uses Raw().
type DB struct {
	db  *sql.DB
	log *slog.Logger

	// sem bounds concurrent entry to PoolMax; waiting longer than the
	// acquire timeout fails with ErrPoolTimeout.
	sem            chan struct{}
	acquireTimeout time.Duration
}

// Options controls pool sizing and acquisition behavior.
type Options struct {
	PoolMin        int           // idle connections kept warm
	PoolMax        int           // upper bound on open connections
	AcquireTimeout time.Duration // max wait for a pooled connection
}

// DefaultOptions keeps 5 warm connections, caps the pool at 50, and
// waits up to 30 s for a pooled connection.
func DefaultOptions() Options {
	return Options{PoolMin: 5, PoolMax: 50, AcquireTimeout: 30 * time.Second}
}

// Open opens (creating if needed) the SQLite database at path and applies
// the performance pragmas: WAL journal,
// NORMAL sync, 16 MiB page cache, 256 MiB mmap window, 10 s busy timeout.
func Open(path string, opts Options, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.PoolMax <= 0 {
		opts = DefaultOptions()
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultOptions().AcquireTimeout
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(opts.PoolMax)
	db.SetMaxIdleConns(opts.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DB{
		db:             db,
		log:            log,
		sem:            make(chan struct{}, opts.PoolMax),
		acquireTimeout: opts.AcquireTimeout,
	}, nil
}

// acquire takes a pool slot, waiting up to the acquire timeout. The
// returned release function must be called exactly once.
func (d *DB) acquire(ctx context.Context) (func(), error) {
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, nil
	default:
	}

	timer := time.NewTimer(d.acquireTimeout)
	defer timer.Stop()
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, d.acquireTimeout)
	}
}

// QueryContext executes a parameterized SELECT. Named parameters are
// passed as sql.Named values; the driver binds :name placeholders directly.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// QueryRowContext executes a query that returns at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// ExecContext executes an INSERT/UPDATE/DELETE and returns the result.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// BeginTx starts a transaction bound to ctx.
func (d *DB) BeginTx(ctx context.Context, txOpts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, Classify(err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction: commit on nil return, rollback on
// error. This is the scoped-acquisition path for writes; the pool slot is
// held until commit or rollback, so fn must work through tx, not d.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

// Retry runs fn up to three times with exponential backoff, retrying only
// transient failures.
func (d *DB) Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			d.log.Debug("retrying transient store error", "attempt", attempt+1)
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
	}
	return err
}

// Health reports the outcome of a liveness probe.
type Health struct {
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms"`
}

// HealthCheck pings the store with a trivial query and measures latency.
func (d *DB) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	var one int
	err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	return Health{OK: err == nil && one == 1, LatencyMS: latency}
}

// Stats exposes pool counters for the metrics surface.
func (d *DB) Stats() sql.DBStats {
	return d.db.Stats()
}

// Raw returns the underlying *sql.DB for schema setup and migrations ONLY.
// Using this in handler code is a code review red flag.
func (d *DB) Raw() *sql.DB {
	return d.db
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Classify maps a driver error onto one of the store error kinds so
// callers can decide on retry policy without string matching.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "interrupted"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "readonly"),
		strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrFatal, err)
	case strings.Contains(msg, "bind"),
		strings.Contains(msg, "wrong number of"),
		strings.Contains(msg, "unrecognized token"):
		return fmt.Errorf("%w: %v", ErrProgrammer, err)
	default:
		return err
	}
}
