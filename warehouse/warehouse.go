// Package warehouse wraps the PostgreSQL connection pool used for all SQL
// against the CDR warehouse: cache metadata, result materialisation, and
// result streaming. It uses pgx directly rather than an ORM because the
// workload is dominated by dynamic DDL (CREATE TABLE ... AS) and cursor
// streaming over large relations.
package warehouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool with the helpers the execution core needs.
type DB struct {
	pool *pgxpool.Pool
}

// Connect creates a connection pool for the given DSN and verifies it with a
// ping.
func Connect(ctx context.Context, dsn string, maxConns int) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement.
func (db *DB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. The caller must close the rows.
func (db *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query expected to return at most one row.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying pool for transactions and batch operations.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// QuoteIdent validates and quotes a SQL identifier. Identifiers in this
// system are schema names and cache table names derived from fingerprints,
// so anything outside the safe pattern is a bug.
func QuoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid SQL identifier: %q", name)
	}
	return `"` + name + `"`, nil
}

// TableExists reports whether schema.name exists as a relation.
func (db *DB) TableExists(ctx context.Context, schema, name string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM information_schema.tables
		     WHERE table_schema = $1 AND table_name = $2
		 )`, schema, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check relation %s.%s: %w", schema, name, err)
	}
	return exists, nil
}

// CreateTableAs materialises a SELECT into schema.name. The statement is
// cancelled server-side when ctx is cancelled.
func (db *DB) CreateTableAs(ctx context.Context, schema, name, selectSQL string) error {
	qschema, err := QuoteIdent(schema)
	if err != nil {
		return err
	}
	qname, err := QuoteIdent(name)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx, fmt.Sprintf("CREATE TABLE %s.%s AS %s", qschema, qname, selectSQL))
	if err != nil {
		return fmt.Errorf("failed to materialise %s.%s: %w", schema, name, err)
	}
	return nil
}

// DropTable drops schema.name if it exists.
func (db *DB) DropTable(ctx context.Context, schema, name string) error {
	qschema, err := QuoteIdent(schema)
	if err != nil {
		return err
	}
	qname, err := QuoteIdent(name)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", qschema, qname))
	if err != nil {
		return fmt.Errorf("failed to drop relation %s.%s: %w", schema, name, err)
	}
	return nil
}

// RelationSizeBytes returns the total on-disk size of schema.name, or 0 when
// the relation does not exist.
func (db *DB) RelationSizeBytes(ctx context.Context, schema, name string) (int64, error) {
	var size *int64
	err := db.pool.QueryRow(ctx,
		`SELECT pg_total_relation_size(to_regclass($1))`,
		fmt.Sprintf("%s.%s", schema, name)).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to size relation %s.%s: %w", schema, name, err)
	}
	if size == nil {
		return 0, nil
	}
	return *size, nil
}
