// Package sqlite persists the event pipeline: the append-only event log,
// the transactional outbox, and the projection read models. Pure Go, no
// CGo dependencies.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed readmodel_migrations/*.sql
var readModelMigrationsFS embed.FS

// Store owns the SQLite handle for the event log and outbox. It
// implements eventsourcing.EventLog, eventsourcing.Writer and
// eventsourcing.Outbox.
type Store struct {
	db    *sql.DB
	clock eventsourcing.Clock
	mu    sync.Mutex // serializes writers; readers go straight to the pool
}

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	clock        eventsourcing.Clock
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "waitqueue.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		clock:        eventsourcing.SystemClock(),
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) { c.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database. WAL mode is not
// available for in-memory databases.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) { c.maxIdleConns = n }
}

// WithWALMode enables write-ahead logging for better concurrency.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) { c.walMode = enabled }
}

// WithAutoMigrate runs pending schema migrations on startup. Migrations
// are idempotent.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) { c.autoMigrate = enabled }
}

// WithClock sets the clock used for status transitions and due checks.
func WithClock(clock eventsourcing.Clock) Option {
	return func(c *storeConfig) { c.clock = clock }
}

// NewStore opens (and by default migrates) the pipeline database.
func NewStore(opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := openDatabase(config)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, clock: config.clock}

	if config.autoMigrate {
		m := migrate.New(db, "pipeline_schema_migrations")
		if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load migrations: %w", err)
		}
		if err := m.Up(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return store, nil
}

// DB returns the underlying database handle, e.g. to co-locate the read
// model store on the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func openDatabase(config storeConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; keep a single one.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if config.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	return db, nil
}
