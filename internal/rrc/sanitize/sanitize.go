// Package sanitize implements the protocol's text/name normalizers and
// the hub-hash parser (C3).
package sanitize

import (
	"encoding/hex"
	"errors"
	"strings"
)

// NormalizeRoom strips whitespace and lowercases s; returns ("", false)
// if the result is empty.
func NormalizeRoom(s string) (string, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "", false
	}
	return s, true
}

// isNonCharacter reports whether r is one of the Unicode "not a
// character" codepoints this protocol rejects.
func isNonCharacter(r rune) bool {
	return r == 0xFFFE || r == 0xFFFF
}

func isDisallowedControl(r rune) bool {
	if r == 9 || r == 10 || r == 13 {
		return false
	}
	return r < 0x20
}

// Text strips s, rejects empty, rejects length > max, rejects control
// characters other than tab/lf/cr, and rejects NUL and the Unicode
// non-characters.
func Text(s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("sanitize: empty text")
	}
	if len(s) > max {
		return "", errors.New("sanitize: text too long")
	}
	for _, r := range s {
		if r == 0 || isNonCharacter(r) || isDisallowedControl(r) {
			return "", errors.New("sanitize: text contains disallowed character")
		}
	}
	return s, nil
}

// DisplayName strips s, truncates to max, drops control characters
// (including DEL) and the Unicode non-characters. Returns ("", false)
// if nothing is left.
func DisplayName(s string, max int) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == 0x7f || isNonCharacter(r) || isDisallowedControl(r) {
			continue
		}
		out = append(out, r)
	}
	cleaned := strings.TrimSpace(string(out))
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// ParseHexHash strips whitespace and ':' separators and decodes the
// remainder as hex.
func ParseHexHash(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, errors.New("sanitize: empty hash")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("sanitize: invalid hex hash")
	}
	return b, nil
}
