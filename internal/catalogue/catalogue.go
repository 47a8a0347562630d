// Package catalogue provides the durable relational state of the pipeline.
//
// Every cross-stage hand-off (tracked source, aggregated item, pending
// forward, deletable source) is a committed row here. It uses DuckDB as
// the backing database.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// =============================================================================
// Catalogue Configuration
// =============================================================================

// Config holds catalogue configuration options.
type Config struct {
	// DSN is the database connection string (a file path for DuckDB).
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// =============================================================================
// Catalogue
// =============================================================================

// Catalogue provides database operations.
//
// Catalogue is safe for concurrent use.
type Catalogue struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// New opens the catalogue and ensures its schema exists.
func New(cfg Config) (*Catalogue, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Catalogue{
		db:     db,
		config: cfg,
	}, nil
}

// Close closes the catalogue.
func (c *Catalogue) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Catalogue methods.
func (c *Catalogue) DB() *sql.DB {
	return c.db
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes a function within a database transaction.
//
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (c *Catalogue) Transaction(fn func(*sql.Tx) error) error {
	return c.TransactionContext(context.Background(), fn)
}

// TransactionContext executes a function within a database transaction
// with context. The transaction is bounded by the configured QueryTimeout.
func (c *Catalogue) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Operation Context
// =============================================================================

// opContext derives a context bounded by the configured QueryTimeout.
// Entity methods apply it around their full statement-and-scan cycle;
// the raw Query* helpers cannot, since cancelling there would invalidate
// the rows handed back to the caller.
func (c *Catalogue) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.config.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// =============================================================================
// Query Helpers
// =============================================================================

// QueryContext executes a query with context and returns rows.
func (c *Catalogue) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query with context and returns a single row.
func (c *Catalogue) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement with context.
func (c *Catalogue) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (c *Catalogue) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
