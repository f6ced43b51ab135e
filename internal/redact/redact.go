// Package redact masks credential values and scrubs secret-shaped substrings
// from text before it reaches logs, API responses, or audit records.
package redact

import (
	"regexp"
	"strings"
)

// secretPatterns match provider credentials that must never appear verbatim
// in any log record, response body, or audit detail. Order matters: the
// anthropic pattern must run before the generic openai one.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{6,}:[A-Za-z0-9_-]{30,}`),     // telegram bot token
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),      // anthropic
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),          // openai
	regexp.MustCompile(`gsk_[A-Za-z0-9]{8,}`),           // groq
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{10,}`),        // google
}

// Mask renders a credential preview: all but the last four characters are
// replaced with asterisks. Values of four characters or fewer render as "****".
// Endpoint URLs are not secrets and render verbatim.
func Mask(value string) string {
	if IsEndpoint(value) {
		return value
	}
	runes := []rune(value)
	if len(runes) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// IsEndpoint reports whether the value is a URL rather than a secret.
func IsEndpoint(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")
}

// Scrub replaces every secret-shaped substring in text with its masked form.
func Scrub(text string) string {
	if text == "" {
		return text
	}
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllStringFunc(text, Mask)
	}
	return text
}

// ContainsSecret reports whether text contains any secret-shaped substring.
func ContainsSecret(text string) bool {
	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
