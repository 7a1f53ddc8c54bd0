// Package inference derives a typed column list from a bounded sample of a
// CSV object.
package inference

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"

	"csv-ingest/internal/csvtype"
	"csv-ingest/internal/domain"
)

// Sampling defaults.
const (
	DefaultSampleRows     = 200
	DefaultMaxSampleBytes = 4 << 20
	initialSampleBytes    = 256 << 10
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Config bounds the sample read.
type Config struct {
	SampleRows     int
	MaxSampleBytes int64
}

// Sample is the outcome of inference over one object.
type Sample struct {
	Schema      domain.InferredSchema
	RawHeader   []string
	Delimiter   rune
	RowsSampled int
	BytesRead   int64
	// Truncated is true when the sample stopped before the end of the object.
	Truncated bool
}

// Inferencer reads the head of an object and infers its schema.
type Inferencer struct {
	objects domain.ObjectReader
	cfg     Config
	logger  *slog.Logger
}

// New creates an Inferencer. Zero config values fall back to defaults.
func New(objects domain.ObjectReader, cfg Config, logger *slog.Logger) *Inferencer {
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = DefaultMaxSampleBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inferencer{objects: objects, cfg: cfg, logger: logger}
}

// Infer samples the object and returns its schema. Read failures come back
// as TransientError, a missing object as NotFoundError, and a malformed file
// as SchemaInferenceError.
func (i *Inferencer) Infer(ctx context.Context, ref domain.ObjectRef) (*Sample, error) {
	head, eof, err := i.readHead(ctx, ref)
	if err != nil {
		return nil, err
	}

	sample, err := InferFromBytes(head, i.cfg.SampleRows)
	if err != nil {
		return nil, err
	}
	sample.BytesRead = int64(len(head))
	sample.Truncated = !eof

	i.logger.Debug("schema inferred",
		"object", ref.String(),
		"columns", len(sample.Schema.Columns),
		"rows_sampled", sample.RowsSampled,
		"bytes_read", sample.BytesRead,
	)
	return sample, nil
}

// readHead fetches a prefix of the object that holds at least SampleRows+1
// lines, growing the range geometrically up to MaxSampleBytes. A trailing
// partial line is dropped unless the object ended inside the range.
func (i *Inferencer) readHead(ctx context.Context, ref domain.ObjectRef) ([]byte, bool, error) {
	want := int64(initialSampleBytes)
	if want > i.cfg.MaxSampleBytes {
		want = i.cfg.MaxSampleBytes
	}

	for {
		data, err := i.objects.ReadRange(ctx, ref, 0, want)
		if err != nil {
			var nf *domain.NotFoundError
			if errors.As(err, &nf) {
				return nil, false, err
			}
			return nil, false, domain.ErrTransient("read sample of "+ref.String(), err)
		}

		eof := int64(len(data)) < want
		if eof {
			return data, true, nil
		}
		if bytes.Count(data, []byte{'\n'}) > i.cfg.SampleRows || want >= i.cfg.MaxSampleBytes {
			idx := bytes.LastIndexByte(data, '\n')
			if idx < 0 {
				return nil, false, domain.ErrSchemaInference("header row exceeds %d bytes", len(data))
			}
			return data[:idx+1], false, nil
		}

		want *= 2
		if want > i.cfg.MaxSampleBytes {
			want = i.cfg.MaxSampleBytes
		}
	}
}

// InferFromBytes infers a schema from sample bytes holding the header row
// followed by up to maxRows data rows. The same bytes always yield the same
// schema.
func InferFromBytes(head []byte, maxRows int) (*Sample, error) {
	head = bytes.TrimPrefix(head, utf8BOM)
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, domain.ErrSchemaInference("object is empty")
	}

	delim := SniffDelimiter(head)
	reader := csv.NewReader(bytes.NewReader(head))
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrSchemaInference("object has no header row")
		}
		return nil, domain.ErrSchemaInference("header row is not valid CSV: %v", err)
	}
	if len(header) == 0 {
		return nil, domain.ErrSchemaInference("header row has no columns")
	}
	for idx, cell := range header {
		if !utf8.ValidString(cell) {
			return nil, domain.ErrSchemaInference("header cell %d is not valid UTF-8", idx+1)
		}
	}

	names := SanitizeHeader(header)
	types := make([]domain.ScalarType, len(header))

	rows := 0
	for rows < maxRows {
		record, err := reader.Read()
		if err != nil {
			// EOF, or a record the sample cut through.
			break
		}
		rows++
		record = fitRow(record, len(header))
		for col, cell := range record {
			if v, ok := csvtype.Classify(cell); ok {
				types[col] = domain.Widen(types[col], v.Type)
			}
		}
	}

	schema := domain.InferredSchema{Columns: make([]domain.Column, len(header))}
	for col := range header {
		t := types[col]
		if t == "" {
			t = domain.TypeString
		}
		schema.Columns[col] = domain.Column{Name: names[col], Type: t}
	}

	return &Sample{
		Schema:      schema,
		RawHeader:   header,
		Delimiter:   delim,
		RowsSampled: rows,
	}, nil
}

// fitRow pads short rows with empty cells and drops extra trailing cells.
func fitRow(record []string, width int) []string {
	switch {
	case len(record) == width:
		return record
	case len(record) > width:
		return record[:width]
	}
	out := make([]string, width)
	copy(out, record)
	return out
}

// DelimiterString renders a delimiter for a JobRequest.
func DelimiterString(r rune) string {
	return string(r)
}
