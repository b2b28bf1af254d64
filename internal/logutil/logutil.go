package logutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization":
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"):
		return true
	case strings.Contains(normalized, "accesskey"):
		return true
	case strings.Contains(normalized, "apikey"):
		return true
	default:
		return false
	}
}

// RedactValue redacts a value when the key looks sensitive. Empty values stay empty
// so a summary can still show that a setting is unset.
func RedactValue(key, value string) string {
	if value == "" {
		return ""
	}
	if IsSensitiveLogField(key) {
		return "[REDACTED]"
	}
	return value
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
// maxChars counts bytes; the cut backs off to a rune boundary so the preview stays valid UTF-8.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(normalized[cut]) {
		cut--
	}
	return normalized[:cut] + "... [truncated]"
}

// FormatValueForLog renders a script evaluation result as a truncated single line.
func FormatValueForLog(v any, maxChars int) string {
	switch typed := v.(type) {
	case nil:
		return "null"
	case string:
		return TruncateForLog(fmt.Sprintf("%q", typed), maxChars)
	case bool, int, int64, float64:
		return fmt.Sprint(typed)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return TruncateForLog(fmt.Sprintf("%v", v), maxChars)
	}
	return TruncateForLog(string(data), maxChars)
}
