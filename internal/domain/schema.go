package domain

import (
	"fmt"
	"strings"
)

// ScalarType is the closed set of column types an inferred schema can use.
type ScalarType string

// Supported scalar types.
const (
	TypeString    ScalarType = "STRING"
	TypeInteger   ScalarType = "INTEGER"
	TypeFloat     ScalarType = "FLOAT"
	TypeBoolean   ScalarType = "BOOLEAN"
	TypeTimestamp ScalarType = "TIMESTAMP"
)

// ScalarTypes lists every supported type in ladder order.
var ScalarTypes = []ScalarType{TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp, TypeString}

// Valid reports whether t is one of the supported types.
func (t ScalarType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

// ParseScalarType maps a type name reported by a table store onto a
// ScalarType. BigQuery and DuckDB spellings are both accepted.
func ParseScalarType(name string) (ScalarType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch n {
	case "STRING", "VARCHAR", "TEXT":
		return TypeString, nil
	case "INTEGER", "INT64", "BIGINT", "INT8", "LONG":
		return TypeInteger, nil
	case "FLOAT", "FLOAT64", "DOUBLE", "FLOAT8":
		return TypeFloat, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	case "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ":
		return TypeTimestamp, nil
	}
	return "", ErrValidation("unsupported column type %q", name)
}

// Widen returns the most specific type that can represent values of both a
// and b. INTEGER and FLOAT meet at FLOAT; every other disagreement ends at
// STRING. An empty type acts as "no evidence yet".
func Widen(a, b ScalarType) ScalarType {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case a == b:
		return a
	case (a == TypeInteger && b == TypeFloat) || (a == TypeFloat && b == TypeInteger):
		return TypeFloat
	}
	return TypeString
}

// Column is one named, typed column.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ScalarType `json:"type" yaml:"type"`
}

// InferredSchema is the ordered column list a CSV file is parsed against.
// Order matches the source header exactly.
type InferredSchema struct {
	Columns []Column `json:"columns" yaml:"columns"`
}

// Names returns the column names in order.
func (s InferredSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s InferredSchema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// String renders the schema as "name:TYPE,name:TYPE".
func (s InferredSchema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + ":" + string(c.Type)
	}
	return strings.Join(parts, ",")
}

// Validate checks that the schema is non-empty, names are unique and types known.
func (s InferredSchema) Validate() error {
	if len(s.Columns) == 0 {
		return ErrValidation("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return ErrValidation("column %d has an empty name", i+1)
		}
		if seen[c.Name] {
			return ErrValidation("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return ErrValidation("column %q has unsupported type %q", c.Name, c.Type)
		}
	}
	return nil
}

// ParseSchema is the inverse of InferredSchema.String.
func ParseSchema(s string) (InferredSchema, error) {
	if strings.TrimSpace(s) == "" {
		return InferredSchema{}, ErrValidation("schema is empty")
	}
	var out InferredSchema
	for _, part := range strings.Split(s, ",") {
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			return InferredSchema{}, ErrValidation("schema field %q is not name:TYPE", part)
		}
		st, err := ParseScalarType(typ)
		if err != nil {
			return InferredSchema{}, fmt.Errorf("schema field %q: %w", name, err)
		}
		out.Columns = append(out.Columns, Column{Name: name, Type: st})
	}
	if err := out.Validate(); err != nil {
		return InferredSchema{}, err
	}
	return out, nil
}
