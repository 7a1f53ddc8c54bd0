// Package transform runs one load: it streams a CSV object, coerces each row
// against the request schema and writes the rows to the destination table.
// Malformed rows are isolated, counted and optionally written to an error
// sink; the run fails only on infrastructure errors or when the bad-row count
// passes the request's threshold.
package transform

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"csv-ingest/internal/csvtype"
	"csv-ingest/internal/domain"
	"csv-ingest/internal/objectstore"
)

// Pipeline defaults.
const (
	DefaultBatchSize  = 500
	DefaultBufferSize = 4
)

// Run statuses reported to the Recorder.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Config tunes the read/write pipeline.
type Config struct {
	// BatchSize is the number of rows per WriteRows call.
	BatchSize int
	// BufferSize is the number of batches queued between reader and writer.
	BufferSize int
}

// Report summarizes a run. It is returned even when the run fails.
type Report struct {
	RowsRead    int64         `json:"rows_read"`
	RowsWritten int64         `json:"rows_written"`
	BadRows     int64         `json:"bad_rows"`
	ErrorsSunk  int64         `json:"errors_sunk"`
	Duration    time.Duration `json:"duration"`
}

// Recorder receives per-run metrics.
type Recorder interface {
	ObserveRun(status string, r Report)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRun(string, Report) {}

// Job executes JobRequests. A Job is safe for concurrent use; each Run owns
// its own reader, writer and error sink.
type Job struct {
	objects objectstore.Store
	rows    domain.RowSink
	cfg     Config
	metrics Recorder
	logger  *slog.Logger
}

// New creates a Job.
func New(objects objectstore.Store, rows domain.RowSink, cfg Config, metrics Recorder, logger *slog.Logger) *Job {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		objects: objects,
		rows:    rows,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "transform"),
	}
}

// badRow is one line of the error sink.
type badRow struct {
	Line   int64    `json:"line"`
	Reason string   `json:"reason"`
	Cells  []string `json:"cells"`
}

// Run loads req.Source into req.Table. Rows already written when the run
// fails stay written; a rerun of the same request may append them again.
func (j *Job) Run(ctx context.Context, req domain.JobRequest) (*Report, error) {
	start := time.Now()
	report := &Report{}
	log := j.logger.With("job_key", req.Key, "source", req.Source.String(), "table", req.Table.String())

	err := j.run(ctx, req, report, log)
	report.Duration = time.Since(start)

	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		log.Error("transform failed", "error", err, "rows_read", report.RowsRead,
			"rows_written", report.RowsWritten, "bad_rows", report.BadRows)
	} else {
		log.Info("transform finished", "rows_read", report.RowsRead, "rows_written", report.RowsWritten,
			"bad_rows", report.BadRows, "errors_sunk", report.ErrorsSunk, "duration", report.Duration.String())
	}
	j.metrics.ObserveRun(status, *report)
	return report, err
}

func (j *Job) run(ctx context.Context, req domain.JobRequest, report *Report, log *slog.Logger) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid job request: %w", err)
	}
	delim, _ := utf8.DecodeRuneInString(req.Delimiter)

	src, err := j.objects.Open(ctx, req.Source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close() //nolint:errcheck

	var sink *errorSink
	if req.ErrorSink != "" {
		w, err := objectstore.CreateURI(ctx, j.objects, req.ErrorSink)
		if err != nil {
			return fmt.Errorf("open error sink: %w", err)
		}
		sink = &errorSink{w: w, enc: json.NewEncoder(w)}
	}

	writer, err := j.rows.OpenWriter(ctx, req)
	if err != nil {
		if sink != nil {
			_ = sink.close()
		}
		return fmt.Errorf("open table writer: %w", err)
	}

	batches := make(chan []domain.Row, j.cfg.BufferSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		return j.read(gctx, req, src, delim, sink, batches, report)
	})

	g.Go(func() error {
		for batch := range batches {
			if err := writer.WriteRows(gctx, batch); err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
			report.RowsWritten += int64(len(batch))
		}
		return nil
	})

	runErr := g.Wait()

	if err := writer.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = fmt.Errorf("close table writer: %w", err)
	}
	if sink != nil {
		if err := sink.close(); err != nil {
			// The load itself is complete; losing diagnostics does not fail it.
			log.Warn("error sink close failed", "uri", req.ErrorSink, "error", err)
		}
		report.ErrorsSunk = sink.written
	}
	return runErr
}

// read parses the source and sends coerced rows in batches. Only the reader
// goroutine touches the read-side counters and the error sink.
func (j *Job) read(ctx context.Context, req domain.JobRequest, src io.Reader, delim rune,
	sink *errorSink, out chan<- []domain.Row, report *Report) error {
	br := bufio.NewReaderSize(src, 64<<10)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	columns := req.Schema.Columns
	batch := make([]domain.Row, 0, j.cfg.BatchSize)
	headerSkipped := !req.HasHeader

	reject := func(line int64, reason string, cells []string) error {
		report.BadRows++
		if sink != nil {
			if err := sink.write(badRow{Line: line, Reason: reason, Cells: cells}); err != nil {
				return fmt.Errorf("write error sink: %w", err)
			}
		}
		if req.MaxBadRows >= 0 && report.BadRows > req.MaxBadRows {
			return &domain.ThresholdExceededError{BadRows: report.BadRows, MaxBadRows: req.MaxBadRows}
		}
		return nil
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			if !headerSkipped {
				headerSkipped = true
				continue
			}
			report.RowsRead++
			if err := reject(int64(perr.StartLine), perr.Err.Error(), record); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return domain.ErrTransient("read source", err)
		}

		line, _ := r.FieldPos(0)
		if !headerSkipped {
			headerSkipped = true
			continue
		}
		report.RowsRead++

		if len(record) != len(columns) {
			reason := fmt.Sprintf("expected %d cells, got %d", len(columns), len(record))
			if err := reject(int64(line), reason, record); err != nil {
				return err
			}
			continue
		}

		values, reason := coerceRow(record, columns)
		if reason != "" {
			if err := reject(int64(line), reason, record); err != nil {
				return err
			}
			continue
		}

		batch = append(batch, domain.Row{Line: int64(line), Values: values})
		if len(batch) == j.cfg.BatchSize {
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
			batch = make([]domain.Row, 0, j.cfg.BatchSize)
		}
	}

	if len(batch) > 0 {
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// coerceRow converts every cell; the returned reason is empty on success.
func coerceRow(record []string, columns []domain.Column) ([]any, string) {
	values := make([]any, len(columns))
	for i, col := range columns {
		v, err := csvtype.Coerce(record[i], col.Type)
		if err != nil {
			return nil, fmt.Sprintf("column %q: %v", col.Name, err)
		}
		values[i] = v
	}
	return values, ""
}

type errorSink struct {
	w       io.WriteCloser
	enc     *json.Encoder
	written int64
}

func (s *errorSink) write(row badRow) error {
	if err := s.enc.Encode(row); err != nil {
		return err
	}
	s.written++
	return nil
}

func (s *errorSink) close() error {
	return s.w.Close()
}
