// Package textutil holds the character-budget helpers shared by ingest and
// context assembly.
package textutil

import "unicode/utf8"

// Truncate returns the first n characters (runes) of s. It never splits a
// multi-byte character and never adjusts to a word boundary.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Len returns the number of characters (runes) in s.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}
