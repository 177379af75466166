package tgui

import "unicode/utf8"

const ellipsis = "…"

// TruncRunes cuts s to n runes, marking a cut with an ellipsis. Names in
// reports are user supplied, so this never splits a multi-byte rune.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + ellipsis
		}
		seen++
	}
	return s
}
