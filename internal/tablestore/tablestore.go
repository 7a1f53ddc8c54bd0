// Package tablestore provisions destination tables and writes rows into them,
// backed by BigQuery or a local DuckDB database.
package tablestore

import (
	"strings"

	"csv-ingest/internal/domain"
)

// Store kinds.
const (
	KindBigQuery = "bigquery"
	KindDuckDB   = "duckdb"
)

// Store is the full table store surface used by the coordinator (TableStore)
// and the transform job (RowSink).
type Store interface {
	domain.TableStore
	domain.RowSink
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// reorder maps values in schema order to the order of target columns. Names
// present in target but not in schema get nil.
func reorder(schema domain.InferredSchema, target []string) func([]any) []any {
	idx := make([]int, len(target))
	for i, name := range target {
		idx[i] = schema.Index(name)
	}
	return func(values []any) []any {
		out := make([]any, len(idx))
		for i, j := range idx {
			if j >= 0 && j < len(values) {
				out[i] = values[j]
			}
		}
		return out
	}
}
