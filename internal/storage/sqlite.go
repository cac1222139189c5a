package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultCacheTTL is applied by Put when an entry has no explicit expiry.
const DefaultCacheTTL = 24 * time.Hour

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps and expiry checks.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithDefaultTTL sets the validity window used by Put for entries without
// an explicit ExpiresAt.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// Store is the local persistence layer for the offline analysis queue, the
// result cache, and user preferences. It is constructed once at startup and
// passed to every consumer; the database is opened lazily on first use.
type Store struct {
	dataDir string
	clock   Clock
	ttl     time.Duration

	group singleflight.Group

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New returns an uninitialized Store rooted at dataDir. Pass ":memory:" for
// an in-memory database (used by tests). No I/O happens until Initialize or
// the first operation.
func New(dataDir string, opts ...Option) *Store {
	s := &Store{
		dataDir: dataDir,
		clock:   realClock{},
		ttl:     DefaultCacheTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open constructs a Store and initializes it.
func Open(ctx context.Context, dataDir string, opts ...Option) (*Store, error) {
	s := New(dataDir, opts...)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize opens (or upgrades) the database. It is idempotent: concurrent
// callers share a single open attempt and every caller after the first
// success gets the cached connection. A failed attempt leaves the store
// uninitialized so a later call may retry.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

// State reports whether the store has been successfully initialized.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db != nil {
		return StateReady
	}
	return StateUninitialized
}

// Close releases the database connection. Operations after Close fail with
// ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the underlying handle. Used by tests to inspect the schema.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	if db != nil {
		return db, nil
	}

	v, err, _ := s.group.Do("open", func() (any, error) {
		s.mu.RLock()
		db := s.db
		s.mu.RUnlock()
		if db != nil {
			return db, nil
		}

		// A cancelled caller must not fail the open shared with other callers.
		db, err := s.open(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			db.Close()
			return nil, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
		}
		s.db = db
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	var dsn string
	if s.dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return nil, unavailable("creating data directory", err)
		}
		dsn = filepath.Join(s.dataDir, "jmj.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("opening database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("pinging database", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, unavailable("setting busy timeout", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, unavailable("setting journal mode", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, unavailable("running migrations", err)
	}

	return db, nil
}

// migrate applies embedded SQL migrations that haven't been run yet, in
// ascending version order. Migrations are additive only.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, txFailed("reading schema version", err)
	}
	return int(v.Int64), nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, txFailed("listing migrations", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, txFailed("scanning migration", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed("listing migrations", err)
	}
	return versions, nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func unavailable(op string, err error) error {
	storeErrors.WithLabelValues("unavailable").Inc()
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func txFailed(op string, err error) error {
	storeErrors.WithLabelValues("transaction").Inc()
	return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
