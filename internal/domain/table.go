package domain

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TableIdentifier names a destination table inside a dataset.
type TableIdentifier struct {
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Dataset string `json:"dataset" yaml:"dataset"`
	Table   string `json:"table" yaml:"table"`
}

// String renders "dataset.table", prefixed with "project:" when set.
func (t TableIdentifier) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + ":" + t.Dataset + "." + t.Table
}

// ParseTableIdentifier is the inverse of TableIdentifier.String.
func ParseTableIdentifier(s string) (TableIdentifier, error) {
	var id TableIdentifier
	rest := s
	if project, tail, ok := strings.Cut(s, ":"); ok {
		id.Project, rest = project, tail
	}
	dataset, table, ok := strings.Cut(rest, ".")
	if !ok || dataset == "" || table == "" {
		return TableIdentifier{}, ErrValidation("table identifier %q is not [project:]dataset.table", s)
	}
	id.Dataset, id.Table = dataset, table
	return id, nil
}

// TableIdentifierFor derives the destination table for an object path.
// The result depends only on the path, so re-uploads land in the same table:
//
//	incoming/sales 2026-01-01.csv -> <prefix>sales_2026_01_01
func TableIdentifierFor(project, dataset, prefix, objectPath string) TableIdentifier {
	stem := path.Base(objectPath)
	if ext := path.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range FoldAccents(stem) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	cleaned := strings.Trim(b.String(), "_")
	if cleaned == "" {
		cleaned = fallbackTableStemName
	}
	if c := cleaned[0]; !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		cleaned = "_" + cleaned
	}

	name := prefix + cleaned
	if len(name) > maxTableNameLength {
		name = name[:maxTableNameLength]
	}
	return TableIdentifier{Project: project, Dataset: dataset, Table: name}
}

// FoldAccents strips combining marks so "Café" becomes "Cafe".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
