package http

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxUsernameLength = 64
	MaxPasswordLength = 72 // bcrypt input limit
	MinPasswordLength = 6
	MaxNameLength     = 128
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidUsername checks if a username is safe (alphanumeric + _ . -)
func ValidUsername(s string) bool {
	if s == "" || len(s) > MaxUsernameLength {
		return false
	}
	return usernamePattern.MatchString(s)
}

func ValidPassword(s string) bool {
	return len(s) >= MinPasswordLength && len(s) <= MaxPasswordLength
}

// ValidEmail accepts a bare address only, no display name.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// TruncateString safely truncates a string to max bytes without splitting a rune
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
