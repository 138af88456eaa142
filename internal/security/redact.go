// Package security provides credential sealing and log redaction.
// Decrypted account credentials exist only in RAM; anything that might
// carry them (URLs, control API request bodies) is redacted before logging.
package security

import (
	"net/url"
	"strings"
)

// RedactURL removes sensitive information from a URL for safe logging.
// It redacts user credentials (user:pass@host) and query parameters that
// look like secrets.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If we can't parse it, redact aggressively
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}

	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

// sensitiveParamPatterns are parameter or field names that likely contain secrets.
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"authorization",
	"bearer",
	"credential",
	"cookie",
	"key",
	"access_token",
	"refresh_token",
	"session",
	"sessionid",
	"sid",
	"private",
}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values)

	for key, values := range params {
		if isSensitiveName(key) {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}

	return redacted
}

// SanitizeBody masks the values of sensitive fields in a request body map
// before it is embedded in an error message or log line. The input map is
// not modified.
func SanitizeBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if isSensitiveName(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
