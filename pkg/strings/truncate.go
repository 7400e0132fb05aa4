// Package strings holds small text helpers shared by status reporting and
// CLI output.
package strings

import (
	"strings"
)

// TableCellMaxLen is the widest cell the CLI prints before truncating.
const TableCellMaxLen = 80

// MinTruncateLen is the smallest maxLen Truncate honours; anything lower
// would leave no room for content plus "...".
const MinTruncateLen = 4

// Truncate collapses all whitespace runs in s into single spaces and
// shortens the result to at most maxLen runes, ending in "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
