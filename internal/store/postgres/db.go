// Package postgres implements the store interfaces on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/relaymesh/cch/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store on a PostgreSQL pool.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Options tune the connection pool and boot behavior.
type Options struct {
	PoolMax         int           // max open and idle connections
	PoolIdleTimeout time.Duration // close idle connections after this
	ConnectTimeout  time.Duration // boot ping deadline
	AutoMigrate     bool
}

// New opens the database, verifies connectivity, optionally runs the embedded
// migrations, and returns a Store.
func New(dsn string, opts Options) (*Store, error) {
	if opts.PoolMax <= 0 {
		opts.PoolMax = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolMax)
	db.SetMaxIdleConns(opts.PoolMax)
	if opts.PoolIdleTimeout > 0 {
		db.SetConnMaxIdleTime(opts.PoolIdleTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if opts.AutoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
