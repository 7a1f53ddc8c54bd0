package domain

import (
	"context"
	"io"
)

// ObjectReader reads object contents pinned to a generation. Implementations
// return NotFoundError when the object or generation does not exist.
type ObjectReader interface {
	// ReadRange returns up to length bytes starting at offset. A short
	// result without error means the object ended.
	ReadRange(ctx context.Context, ref ObjectRef, offset, length int64) ([]byte, error)
	// Open streams the whole object.
	Open(ctx context.Context, ref ObjectRef) (io.ReadCloser, error)
}

// ObjectWriter creates objects, used for the transform error sink.
type ObjectWriter interface {
	Create(ctx context.Context, bucket, object string) (io.WriteCloser, error)
}

// TableStore is the destination table store's control surface.
type TableStore interface {
	// EnsureDataset creates the dataset if absent. Already-exists is success.
	EnsureDataset(ctx context.Context, project, dataset string) error
	// GetTableSchema returns the table's columns, or NotFoundError.
	GetTableSchema(ctx context.Context, table TableIdentifier) (InferredSchema, error)
	// CreateTable creates the table, or returns ConflictError if it exists.
	CreateTable(ctx context.Context, table TableIdentifier, schema InferredSchema) error
}

// RowWriter writes coerced rows into a destination table. Rows follow the
// column order of the schema the writer was opened with.
type RowWriter interface {
	WriteRows(ctx context.Context, rows []Row) error
	Close(ctx context.Context) error
}

// Row is one coerced record plus its source line, which writers may use to
// derive stable insert identifiers.
type Row struct {
	Line   int64
	Values []any
}

// RowSink opens row writers for a table.
type RowSink interface {
	OpenWriter(ctx context.Context, req JobRequest) (RowWriter, error)
}

// JobLauncher submits a JobRequest to the job-runner without awaiting completion.
type JobLauncher interface {
	Launch(ctx context.Context, req JobRequest) (JobHandle, error)
}
