// Package normalize canonicalizes Bluetooth device addresses and display
// names into the comparison keys used throughout the evidence tables.
//
// Both functions are total and pure. They must be applied on the evidence
// population path and on every lookup path, otherwise keys never match.
package normalize

import (
	"strings"
	"unicode"
)

// Address lowercases an address and strips colon, dash, and space
// separators, so "AA:BB-CC DD" and "aabbccdd" produce the same key.
// Empty input yields an empty key.
func Address(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch r {
		case ':', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Name lowercases a display name, splits it on every non-alphanumeric
// boundary, discards empty fragments, and concatenates the rest with no
// separator. "Aidan's AirPods Pro" becomes "aidansairpodspro".
func Name(raw string) string {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "")
}
