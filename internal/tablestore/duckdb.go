package tablestore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"csv-ingest/internal/domain"
)

var _ Store = (*DuckDB)(nil)

// duckTypes maps scalar types to DuckDB column types.
var duckTypes = map[domain.ScalarType]string{
	domain.TypeString:    "VARCHAR",
	domain.TypeInteger:   "BIGINT",
	domain.TypeFloat:     "DOUBLE",
	domain.TypeBoolean:   "BOOLEAN",
	domain.TypeTimestamp: "TIMESTAMP",
}

// DuckDB is a table store over a DuckDB database. Datasets are schemas and
// the project part of a table identifier is ignored.
type DuckDB struct {
	db *sql.DB
}

// OpenDuckDB opens (or creates) the DuckDB database at path. An empty path
// opens an in-memory database.
func OpenDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &DuckDB{db: db}, nil
}

// NewDuckDB wraps an open DuckDB handle.
func NewDuckDB(db *sql.DB) *DuckDB {
	return &DuckDB{db: db}
}

// DB returns the underlying handle.
func (s *DuckDB) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *DuckDB) Close() error { return s.db.Close() }

// EnsureDataset implements domain.TableStore.
func (s *DuckDB) EnsureDataset(ctx context.Context, _, dataset string) error {
	if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(dataset)); err != nil {
		return fmt.Errorf("create schema %s: %w", dataset, err)
	}
	return nil
}

// GetTableSchema implements domain.TableStore.
func (s *DuckDB) GetTableSchema(ctx context.Context, table domain.TableIdentifier) (domain.InferredSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, table.Dataset, table.Table)
	if err != nil {
		return domain.InferredSchema{}, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	var schema domain.InferredSchema
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return domain.InferredSchema{}, fmt.Errorf("scan column: %w", err)
		}
		t, err := domain.ParseScalarType(dataType)
		if err != nil {
			return domain.InferredSchema{}, domain.ErrValidation("table %s column %q has unsupported type %s", table, name, dataType)
		}
		schema.Columns = append(schema.Columns, domain.Column{Name: name, Type: t})
	}
	if err := rows.Err(); err != nil {
		return domain.InferredSchema{}, err
	}
	if len(schema.Columns) == 0 {
		return domain.InferredSchema{}, domain.ErrNotFound("table %s not found", table)
	}
	return schema, nil
}

// CreateTable implements domain.TableStore.
func (s *DuckDB) CreateTable(ctx context.Context, table domain.TableIdentifier, schema domain.InferredSchema) error {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name) + " " + duckTypes[c.Type]
	}
	ddl := fmt.Sprintf("CREATE TABLE %s.%s (%s)",
		quoteIdent(table.Dataset), quoteIdent(table.Table), strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return domain.ErrConflict("table %s already exists", table)
		}
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// OpenWriter implements domain.RowSink. Rows are appended in the table's
// column order regardless of the order of the request schema.
func (s *DuckDB) OpenWriter(ctx context.Context, req domain.JobRequest) (domain.RowWriter, error) {
	table := req.Table
	existing, err := s.GetTableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire duckdb connection: %w", err)
	}
	return &duckWriter{
		conn:    conn,
		table:   table,
		reorder: reorder(req.Schema, existing.Names()),
	}, nil
}

type duckWriter struct {
	conn    *sql.Conn
	table   domain.TableIdentifier
	reorder func([]any) []any
}

// WriteRows appends one batch through a DuckDB appender, flushed on return.
func (w *duckWriter) WriteRows(_ context.Context, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return w.conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, w.table.Dataset, w.table.Table)
		if err != nil {
			return fmt.Errorf("create appender for %s: %w", w.table, err)
		}
		for _, r := range rows {
			values := w.reorder(r.Values)
			args := make([]driver.Value, len(values))
			for i, v := range values {
				args[i] = v
			}
			if err := appender.AppendRow(args...); err != nil {
				_ = appender.Close()
				return fmt.Errorf("append line %d: %w", r.Line, err)
			}
		}
		if err := appender.Close(); err != nil {
			return fmt.Errorf("flush appender for %s: %w", w.table, err)
		}
		return nil
	})
}

func (w *duckWriter) Close(context.Context) error {
	return w.conn.Close()
}
