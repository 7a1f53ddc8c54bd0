// Package db opens the dedup state database and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect identifies the SQL flavour of a connection.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// ParseDialect maps a DEDUP_DRIVER value to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported dedup driver %q: must be sqlite3 or pgx", driver)
}

// Open connects to the state database for dialect and runs migrations.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch dialect {
	case DialectSQLite:
		conn, err = OpenSQLite(dsn)
	case DialectPostgres:
		conn, err = OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, conn, dialect); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
