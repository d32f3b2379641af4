package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

const masked = "***MASKED***"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-admin-key":         true,
	"x-api-key":           true,
}

// sensitivePatterns catch secrets that show up in values rather than keys.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
	regexp.MustCompile(`\b[a-zA-Z0-9_-]{32,}\b`),
}

// MaskHeader returns a copy of h with credential headers replaced.
func MaskHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for k := range out {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = []string{masked}
		}
	}
	return out
}

// MaskBody returns a copy of a decoded request body with sensitive fields and
// values masked. Keys mentioning passwords, secrets, tokens or keys are
// replaced wholesale.
func MaskBody(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, value := range t {
			if sensitiveKey(key) {
				out[key] = masked
				continue
			}
			out[key] = MaskBody(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = MaskBody(item)
		}
		return out
	case string:
		for _, re := range sensitivePatterns {
			t = re.ReplaceAllString(t, masked)
		}
		return t
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "key")
}
