// Package csvtype classifies and coerces CSV cell text into scalar values.
// Schema inference and the transform job share these rules, so a value that
// inference counted as evidence for a type always coerces to that type.
package csvtype

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"csv-ingest/internal/domain"
)

var (
	intPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern = regexp.MustCompile(`^[+-]?(\d+\.\d*|\d*\.\d+|\d+)([eE][+-]?\d+)?$`)
)

var nullLike = map[string]bool{
	"": true, "null": true, "none": true, "na": true, "n/a": true, "nan": true, "nil": true, "-": true,
}

var boolLiterals = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true,
	"false": false, "f": false, "no": false, "n": false,
}

// timestampLayouts are tried in order. Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// Value is a classified cell. Exactly one of the typed fields is meaningful,
// selected by Type.
type Value struct {
	Type  domain.ScalarType
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
	Text  string
}

// Any returns the Go value carried by v.
func (v Value) Any() any {
	switch v.Type {
	case domain.TypeInteger:
		return v.Int
	case domain.TypeFloat:
		return v.Float
	case domain.TypeBoolean:
		return v.Bool
	case domain.TypeTimestamp:
		return v.Time
	}
	return v.Text
}

// CoercionError reports a cell that does not parse as its column type.
type CoercionError struct {
	Value string
	Type  domain.ScalarType
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("value %q is not a valid %s", truncate(e.Value, 64), e.Type)
}

// IsNullLike reports whether a cell counts as missing.
func IsNullLike(cell string) bool {
	return nullLike[strings.ToLower(strings.TrimSpace(cell))]
}

// Classify walks the type ladder INTEGER, FLOAT, BOOLEAN, TIMESTAMP, STRING
// and returns the first type the cell satisfies. Null-like cells carry no
// type evidence and return ok=false.
func Classify(cell string) (Value, bool) {
	if IsNullLike(cell) {
		return Value{}, false
	}
	s := strings.TrimSpace(cell)
	if n, ok := parseInt(s); ok {
		return Value{Type: domain.TypeInteger, Int: n}, true
	}
	if f, ok := parseFloat(s); ok {
		return Value{Type: domain.TypeFloat, Float: f}, true
	}
	if b, ok := parseBool(s); ok {
		return Value{Type: domain.TypeBoolean, Bool: b}, true
	}
	if ts, ok := parseTimestamp(s); ok {
		return Value{Type: domain.TypeTimestamp, Time: ts}, true
	}
	return Value{Type: domain.TypeString, Text: cell}, true
}

// Coerce converts cell to a value of type t. Empty cells are NULL for every
// type; other null-like tokens are NULL for non-STRING columns and kept as
// text for STRING columns.
func Coerce(cell string, t domain.ScalarType) (any, error) {
	if cell == "" {
		return nil, nil
	}
	if t == domain.TypeString {
		if !utf8.ValidString(cell) {
			return nil, &CoercionError{Value: cell, Type: t}
		}
		return cell, nil
	}
	if IsNullLike(cell) {
		return nil, nil
	}

	s := strings.TrimSpace(cell)
	switch t {
	case domain.TypeInteger:
		if n, ok := parseInt(s); ok {
			return n, nil
		}
	case domain.TypeFloat:
		if n, ok := parseInt(s); ok {
			return float64(n), nil
		}
		if f, ok := parseFloat(s); ok {
			return f, nil
		}
	case domain.TypeBoolean:
		if b, ok := parseBool(s); ok {
			return b, nil
		}
	case domain.TypeTimestamp:
		if ts, ok := parseTimestamp(s); ok {
			return ts, nil
		}
	}
	return nil, &CoercionError{Value: cell, Type: t}
}

func parseInt(s string) (int64, bool) {
	if !intPattern.MatchString(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func parseFloat(s string) (float64, bool) {
	if !floatPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func parseBool(s string) (bool, bool) {
	b, ok := boolLiterals[strings.ToLower(s)]
	return b, ok
}

func parseTimestamp(s string) (time.Time, bool) {
	// Cheap reject before trying every layout.
	if len(s) < 10 || s[0] < '0' || s[0] > '9' {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
