package inference

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"csv-ingest/internal/domain"
)

// maxColumnNameLength matches the destination table store's column name limit.
const maxColumnNameLength = 300

// SanitizeHeader turns raw header cells into unique column identifiers.
// The mapping is deterministic, and distinct positions never share a name.
func SanitizeHeader(raw []string) []string {
	names := make([]string, len(raw))
	used := make(map[string]bool, len(raw))

	for i, cell := range raw {
		position := strconv.Itoa(i + 1)
		name := sanitizeName(cell)
		if name == "" {
			name = "column_" + position
		}

		candidate := name
		for n := 1; used[candidate]; n++ {
			suffix := "_" + position
			if n > 1 {
				suffix += "_" + strconv.Itoa(n)
			}
			candidate = clip(name, maxColumnNameLength-len(suffix)) + suffix
		}

		used[candidate] = true
		names[i] = candidate
	}
	return names
}

// sanitizeName lowercases, folds accents, replaces runs of anything outside
// [a-z0-9] with a single underscore, and prefixes a leading digit.
func sanitizeName(cell string) string {
	folded := strings.ToLower(domain.FoldAccents(strings.TrimSpace(cell)))

	var b strings.Builder
	pendingUnderscore := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingUnderscore = false
			b.WriteRune(r)
			continue
		}
		pendingUnderscore = true
	}

	name := b.String()
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return clip(name, maxColumnNameLength)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
