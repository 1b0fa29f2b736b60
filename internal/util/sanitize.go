package util

import (
	"net/mail"
	"strings"
	"unicode"
)

// SanitizeText normalizes a short single-line user-supplied string:
// surrounding space trimmed, internal whitespace runs folded to one
// space, control characters dropped. The API serves JSON, so escaping
// is left to whatever renders the value.
func SanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeMultiline normalizes a free-text block: line endings folded
// to \n, other control characters dropped, surrounding space trimmed.
func SanitizeMultiline(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ContainsSuspicious flags strings carrying script-injection markers.
// Such values are rejected outright rather than escaped.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "script", "onerror", "onload", "javascript:"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// ValidEmail reports whether s parses as a bare RFC 5322 address.
// Display-name forms ("Ant Hill <ant@hill.org>") are rejected.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s
}
