package observability

import (
	"strings"
	"unicode"
)

// clip drops control characters other than whitespace and truncates to max runes, so request
// supplied values cannot forge log lines.
func clip(value string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); len(runes) > max {
		return string(runes[:max])
	}
	return cleaned
}

// SanitizeRoute prepares a route pattern or path for logs and span names.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, 180)
}

// SanitizeUserID bounds a caller identifier before it reaches the logs.
func SanitizeUserID(uid string) string { return clip(uid, 64) }
