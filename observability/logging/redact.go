package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Key fragments that mark an attribute as sensitive. Matching is
// case-insensitive on the attribute key.
var sensitiveFragments = []string{
	"secret",
	"passphrase",
	"password",
	"token",
	"authorization",
	"privatekey",
	"private_key",
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// redact masks non-empty string-like values stored under sensitive keys.
// Groups are left alone; their members pass through ReplaceAttr themselves.
func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
