// Package storage backs the scoring pipeline with an embedded
// relational store: agents, snapshots, risk reports, alerts, and the
// identity and context cursors. SQLite is the default engine;
// PostgreSQL is selected by a database URL. All queries are written
// with ? placeholders and rebound per driver.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

const (
	driverSqlite   = "sqlite"
	driverPostgres = "postgres"
)

// Config selects the engine. URL wins over Path when both are set.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// URL is a PostgreSQL connection string.
	URL string
}

// Store is the shared database handle. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
}

// Open connects, applies pragmas, and runs pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)
	switch {
	case cfg.URL != "":
		driver = driverPostgres
		db, err = sql.Open("postgres", cfg.URL)
	case cfg.Path != "":
		driver = driverSqlite
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
	default:
		return nil, &contracts.ValidationError{Field: "storage", Msg: "neither WATCHTOWER_DB_PATH nor WATCHTOWER_DB_URL configured"}
	}
	if err != nil {
		return nil, &contracts.FatalError{Stage: "storage open", Err: err}
	}
	if driver == driverSqlite {
		// The modernc driver serialises writes; a single connection
		// avoids SQLITE_BUSY under concurrent pollers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &contracts.FatalError{Stage: "storage ping", Err: err}
	}

	s := &Store{db: db, driver: driver, clock: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries are
// authored in the SQLite dialect.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}
