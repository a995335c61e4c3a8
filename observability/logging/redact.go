package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// Keys logged verbatim by MaskField. Peer endpoints are masked.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"session":   {},
	"direction": {},
	"command":   {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that redacts value unless key is
// allowlisted. Empty values are kept so missing data stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
