package domain

import (
	"strconv"
	"strings"
)

// Parameter names used to hand a JobRequest to the job-runner. The transform
// job has no other channel to learn them, so both sides share these keys.
const (
	ParamJobKey          = "job_key"
	ParamInputBucket     = "input_bucket"
	ParamInputObject     = "input_object"
	ParamInputGeneration = "input_generation"
	ParamOutputTable     = "output_table"
	ParamSchema          = "schema"
	ParamDelimiter       = "delimiter"
	ParamHasHeader       = "has_header"
	ParamTempLocation    = "temp_location"
	ParamStagingLocation = "staging_location"
	ParamMaxBadRows      = "max_bad_rows"
	ParamErrorSink       = "error_sink"
)

// JobRequest is the immutable parameter bundle for one transform run.
type JobRequest struct {
	Key             string          `json:"job_key" yaml:"job_key"`
	Source          ObjectRef       `json:"source" yaml:"source"`
	Table           TableIdentifier `json:"table" yaml:"table"`
	Schema          InferredSchema  `json:"schema" yaml:"schema"`
	Delimiter       string          `json:"delimiter" yaml:"delimiter"`
	HasHeader       bool            `json:"has_header" yaml:"has_header"`
	TempLocation    string          `json:"temp_location" yaml:"temp_location"`
	StagingLocation string          `json:"staging_location" yaml:"staging_location"`
	MaxBadRows      int64           `json:"max_bad_rows" yaml:"max_bad_rows"`
	ErrorSink       string          `json:"error_sink,omitempty" yaml:"error_sink,omitempty"`
}

// Validate checks the fields every runner relies on.
func (r JobRequest) Validate() error {
	switch {
	case r.Key == "":
		return ErrValidation("job key is required")
	case r.Source.Bucket == "" || r.Source.Object == "":
		return ErrValidation("source bucket and object are required")
	case r.Table.Dataset == "" || r.Table.Table == "":
		return ErrValidation("destination table is required")
	case len([]rune(r.Delimiter)) != 1:
		return ErrValidation("delimiter must be a single character, got %q", r.Delimiter)
	}
	return r.Schema.Validate()
}

// Params encodes the request as flat string parameters.
func (r JobRequest) Params() map[string]string {
	p := map[string]string{
		ParamJobKey:          r.Key,
		ParamInputBucket:     r.Source.Bucket,
		ParamInputObject:     r.Source.Object,
		ParamInputGeneration: strconv.FormatInt(r.Source.Generation, 10),
		ParamOutputTable:     r.Table.String(),
		ParamSchema:          r.Schema.String(),
		ParamDelimiter:       r.Delimiter,
		ParamHasHeader:       strconv.FormatBool(r.HasHeader),
		ParamTempLocation:    r.TempLocation,
		ParamStagingLocation: r.StagingLocation,
		ParamMaxBadRows:      strconv.FormatInt(r.MaxBadRows, 10),
	}
	if r.ErrorSink != "" {
		p[ParamErrorSink] = r.ErrorSink
	}
	return p
}

// JobRequestFromParams decodes parameters produced by Params.
func JobRequestFromParams(p map[string]string) (JobRequest, error) {
	req := JobRequest{
		Key:             p[ParamJobKey],
		Source:          ObjectRef{Bucket: p[ParamInputBucket], Object: p[ParamInputObject]},
		Delimiter:       p[ParamDelimiter],
		TempLocation:    p[ParamTempLocation],
		StagingLocation: p[ParamStagingLocation],
		ErrorSink:       p[ParamErrorSink],
		HasHeader:       true,
	}

	if v := p[ParamInputGeneration]; v != "" {
		gen, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return JobRequest{}, ErrValidation("invalid %s %q", ParamInputGeneration, v)
		}
		req.Source.Generation = gen
	}
	if v := p[ParamHasHeader]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return JobRequest{}, ErrValidation("invalid %s %q", ParamHasHeader, v)
		}
		req.HasHeader = b
	}
	if v := p[ParamMaxBadRows]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return JobRequest{}, ErrValidation("invalid %s %q", ParamMaxBadRows, v)
		}
		req.MaxBadRows = n
	}

	table, err := ParseTableIdentifier(p[ParamOutputTable])
	if err != nil {
		return JobRequest{}, err
	}
	req.Table = table

	schema, err := ParseSchema(p[ParamSchema])
	if err != nil {
		return JobRequest{}, err
	}
	req.Schema = schema

	if req.Delimiter == "" {
		req.Delimiter = ","
	}
	return req, req.Validate()
}

// JobName builds a runner-safe job name from a prefix and the job key:
// lowercase letters, digits and dashes, starting with a letter.
func JobName(prefix, key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "job-" + name
	}
	return strings.TrimSuffix(name, "-") + "-" + strings.ToLower(key)
}

// JobHandle identifies a submitted job. AlreadyRunning is set when the
// runner reported that the same logical job had been submitted before.
type JobHandle struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Runner         string `json:"runner"`
	AlreadyRunning bool   `json:"already_running"`
}
