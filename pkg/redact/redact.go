// Package redact recursively masks sensitive keys and values before any
// artifact is written to disk or logged, per the spec's redaction
// completeness invariant: a value reachable via a sensitive-named key is
// never stored in the clear.
package redact

import (
	"fmt"
	"net/url"
	"strings"
)

// Mask replaces a redacted scalar value.
const Mask = "[REDACTED]"

// sensitiveSubstrings are matched case-insensitively against both keys and
// scalar string values.
var sensitiveSubstrings = []string{
	"token", "secret", "key", "auth", "password", "authorization",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func containsSensitive(s string) bool {
	lower := strings.ToLower(s)
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Value recursively redacts any JSON-shaped value (the result of
// json.Unmarshal into `any`: map[string]any, []any, string, float64, bool,
// nil). Cycles are broken by replacing a previously-seen object with the
// literal "[CYCLE]" marker.
func Value(v any) any {
	return redact(v, make(map[any]bool))
}

func redact(v any, seen map[any]bool) any {
	switch t := v.(type) {
	case map[string]any:
		if seen[addrOf(t)] {
			return "[CYCLE]"
		}
		seen[addrOf(t)] = true
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = redact(val, seen)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = redact(elem, seen)
		}
		return out
	case string:
		return redactString(t)
	default:
		return v
	}
}

// addrOf gives a stable identity for a map[string]any header, for cycle
// detection during the recursive walk.
func addrOf(m map[string]any) any {
	return fmt.Sprintf("%p", m)
}

// redactString strips query strings and fragments from URL-shaped strings
// (masking the result whole only if what remains still looks sensitive) and
// masks any other scalar string value that itself looks sensitive.
func redactString(s string) string {
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		if u.RawQuery != "" {
			u.RawQuery = "REDACTED"
		}
		u.Fragment = ""
		masked := u.String()
		if u.RawQuery != "" {
			masked = strings.Replace(masked, "REDACTED", "[REDACTED]", 1)
		}
		if containsSensitive(masked) {
			return Mask
		}
		return masked
	}
	if containsSensitive(s) {
		return Mask
	}
	return s
}
