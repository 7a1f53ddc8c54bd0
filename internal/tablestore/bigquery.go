package tablestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	bq "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"csv-ingest/internal/domain"
)

var _ Store = (*BigQuery)(nil)

// bigQueryTimestampLayout is accepted by tabledata.insertAll for TIMESTAMP.
const bigQueryTimestampLayout = "2006-01-02T15:04:05.999999Z07:00"

// BigQuery is a table store over the BigQuery REST API.
type BigQuery struct {
	svc      *bq.Service
	location string
}

// NewBigQuery creates a BigQuery store. location is used for new datasets
// and may be empty.
func NewBigQuery(ctx context.Context, location string, opts ...option.ClientOption) (*BigQuery, error) {
	svc, err := bq.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQuery{svc: svc, location: location}, nil
}

// EnsureDataset implements domain.TableStore.
func (s *BigQuery) EnsureDataset(ctx context.Context, project, dataset string) error {
	_, err := s.svc.Datasets.Get(project, dataset).Context(ctx).Do()
	if err == nil {
		return nil
	}
	if !isHTTPStatus(err, http.StatusNotFound) {
		return mapBigQueryError("datasets.get", err)
	}

	_, err = s.svc.Datasets.Insert(project, &bq.Dataset{
		DatasetReference: &bq.DatasetReference{ProjectId: project, DatasetId: dataset},
		Location:         s.location,
	}).Context(ctx).Do()
	if err != nil && !isHTTPStatus(err, http.StatusConflict) {
		return mapBigQueryError("datasets.insert", err)
	}
	return nil
}

// GetTableSchema implements domain.TableStore.
func (s *BigQuery) GetTableSchema(ctx context.Context, table domain.TableIdentifier) (domain.InferredSchema, error) {
	t, err := s.svc.Tables.Get(table.Project, table.Dataset, table.Table).Context(ctx).Do()
	if err != nil {
		if isHTTPStatus(err, http.StatusNotFound) {
			return domain.InferredSchema{}, domain.ErrNotFound("table %s not found", table)
		}
		return domain.InferredSchema{}, mapBigQueryError("tables.get", err)
	}

	var schema domain.InferredSchema
	if t.Schema == nil {
		return schema, nil
	}
	for _, f := range t.Schema.Fields {
		if f.Mode == "REPEATED" {
			return domain.InferredSchema{}, domain.ErrValidation("table %s column %q is REPEATED", table, f.Name)
		}
		st, err := domain.ParseScalarType(f.Type)
		if err != nil {
			return domain.InferredSchema{}, domain.ErrValidation("table %s column %q has unsupported type %s", table, f.Name, f.Type)
		}
		schema.Columns = append(schema.Columns, domain.Column{Name: f.Name, Type: st})
	}
	return schema, nil
}

// CreateTable implements domain.TableStore. All columns are NULLABLE.
func (s *BigQuery) CreateTable(ctx context.Context, table domain.TableIdentifier, schema domain.InferredSchema) error {
	fields := make([]*bq.TableFieldSchema, len(schema.Columns))
	for i, c := range schema.Columns {
		fields[i] = &bq.TableFieldSchema{Name: c.Name, Type: string(c.Type), Mode: "NULLABLE"}
	}
	_, err := s.svc.Tables.Insert(table.Project, table.Dataset, &bq.Table{
		TableReference: &bq.TableReference{
			ProjectId: table.Project,
			DatasetId: table.Dataset,
			TableId:   table.Table,
		},
		Schema: &bq.TableSchema{Fields: fields},
	}).Context(ctx).Do()
	if err != nil {
		if isHTTPStatus(err, http.StatusConflict) {
			return domain.ErrConflict("table %s already exists", table)
		}
		return mapBigQueryError("tables.insert", err)
	}
	return nil
}

// OpenWriter implements domain.RowSink using streaming inserts. Every row
// carries an insertId derived from the job key and its line number so that
// a retried batch is deduplicated on a best-effort basis.
func (s *BigQuery) OpenWriter(_ context.Context, req domain.JobRequest) (domain.RowWriter, error) {
	table := req.Table
	return &bigQueryWriter{svc: s.svc, table: table, schema: req.Schema, jobKey: req.Key}, nil
}

type bigQueryWriter struct {
	svc    *bq.Service
	table  domain.TableIdentifier
	schema domain.InferredSchema
	jobKey string
}

func (w *bigQueryWriter) WriteRows(ctx context.Context, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	req := &bq.TableDataInsertAllRequest{Rows: make([]*bq.TableDataInsertAllRequestRows, len(rows))}
	for i, r := range rows {
		obj := make(map[string]bq.JsonValue, len(w.schema.Columns))
		for j, c := range w.schema.Columns {
			if j >= len(r.Values) || r.Values[j] == nil {
				continue
			}
			obj[c.Name] = jsonValue(r.Values[j])
		}
		req.Rows[i] = &bq.TableDataInsertAllRequestRows{
			InsertId: domain.RowInsertID(w.jobKey, r.Line),
			Json:     obj,
		}
	}

	resp, err := w.svc.Tabledata.InsertAll(w.table.Project, w.table.Dataset, w.table.Table, req).Context(ctx).Do()
	if err != nil {
		return mapBigQueryError("tabledata.insertAll", err)
	}
	if len(resp.InsertErrors) > 0 {
		first := resp.InsertErrors[0]
		msg := "unknown"
		if len(first.Errors) > 0 {
			msg = first.Errors[0].Reason + ": " + first.Errors[0].Message
		}
		return fmt.Errorf("insert into %s rejected %d rows, first at line %d: %s",
			w.table, len(resp.InsertErrors), rows[first.Index].Line, msg)
	}
	return nil
}

func (w *bigQueryWriter) Close(context.Context) error { return nil }

func jsonValue(v any) bq.JsonValue {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(bigQueryTimestampLayout)
	}
	return v
}

func isHTTPStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// mapBigQueryError classifies API errors: throttling and server errors are
// transient, bad requests are validation errors, the rest pass through.
func mapBigQueryError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return domain.ErrTransient(op, err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return domain.ErrTransient(op, err)
	case gerr.Code == http.StatusBadRequest:
		return domain.ErrValidation("%s: %s", op, strings.TrimSpace(gerr.Message))
	}
	return fmt.Errorf("%s: %w", op, err)
}
