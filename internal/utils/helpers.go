package utils

import (
	"os"
	"strings"
)

// ParseBool interprets common boolean strings, returning true for typical truthy values.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// GetenvTrim returns the environment variable value with surrounding whitespace removed.
func GetenvTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetenvBool reads a boolean environment variable, returning fallback when unset.
func GetenvBool(key string, fallback bool) bool {
	v := GetenvTrim(key)
	if v == "" {
		return fallback
	}
	return ParseBool(v)
}

// SanitizeName replaces every rune outside [A-Za-z0-9._-] with '_'.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
