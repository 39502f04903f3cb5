package runtime

import "strings"

// Redacted replaces any value whose key smells like a secret in telemetry
// payloads.
const Redacted = "[REDACTED]"

// maxTelemetryString bounds string attribute lengths before truncation.
const maxTelemetryString = 2048

var secretKeyMarkers = []string{
	"api_key",
	"apikey",
	"secret",
	"token",
	"authorization",
	"cookie",
	"password",
	"privatekey",
	"secretkey",
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Redact deep-copies a telemetry value, replacing values under secret-looking
// keys with the redaction marker and truncating oversized strings. The input
// is never mutated.
func Redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isSecretKey(key) {
				out[key] = Redacted
				continue
			}
			out[key] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Redact(val)
		}
		return out
	case string:
		return truncate(v)
	default:
		return v
	}
}

func truncate(s string) string {
	if len(s) <= maxTelemetryString {
		return s
	}
	return s[:maxTelemetryString] + "…"
}
