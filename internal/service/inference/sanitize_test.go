package inference

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{"basic", []string{"Order ID", "Total", "Paid"}, []string{"order_id", "total", "paid"}},
		{"punctuation runs", []string{"  Unit Price ($) ", "a--b"}, []string{"unit_price", "a_b"}},
		{"leading digit", []string{"2nd place"}, []string{"_2nd_place"}},
		{"empty becomes placeholder", []string{"id", "", "  "}, []string{"id", "column_2", "column_3"}},
		{"symbols only", []string{"$$$"}, []string{"column_1"}},
		{"accents folded", []string{"Café Crème"}, []string{"cafe_creme"}},
		{"duplicates get position", []string{"a", "A", "a "}, []string{"a", "a_2", "a_3"}},
		{"suffix collision resolved", []string{"a", "a_2", "a"}, []string{"a", "a_2", "a_3"}},
		{"second level suffix", []string{"a_3", "a", "a", "a"}, []string{"a_3", "a", "a_3_2", "a_4"}},
		{"placeholder collision", []string{"column_2", ""}, []string{"column_2", "column_2_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeHeader(tt.raw))
		})
	}
}

func TestSanitizeHeader_Injective(t *testing.T) {
	t.Parallel()

	raw := []string{"x", "X", "x!", "x_2", "", "column_5", "x", "x_3", "X 2", "x-2"}
	names := SanitizeHeader(raw)
	require.Len(t, names, len(raw))

	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate name %q in %v", n, names)
		seen[n] = true
	}
}

func TestSanitizeHeader_LengthLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 400)
	names := SanitizeHeader([]string{long, long})
	assert.Len(t, names[0], maxColumnNameLength)
	assert.Len(t, names[1], maxColumnNameLength)
	assert.True(t, strings.HasSuffix(names[1], "_2"))
	assert.NotEqual(t, names[0], names[1])
}

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		name string
		head string
		want rune
	}{
		{"comma", "a,b,c\n1,2,3", ','},
		{"semicolon", "a;b;c\n", ';'},
		{"tab", "a\tb\tc", '\t'},
		{"pipe", "a|b|c\n", '|'},
		{"quoted commas ignored", "\"x,y,z\";b;c\n", ';'},
		{"single column", "value\n1\n", ','},
		{"tie prefers comma", "a,b;c\n", ','},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffDelimiter([]byte(tt.head)))
		})
	}
}
