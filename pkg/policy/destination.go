package policy

import (
	"encoding/json"
	"net/url"
	"strings"
)

// extractDestination pulls a "url" or "endpoint" field out of a step's raw
// JSON input, if present.
func extractDestination(input json.RawMessage) (string, bool) {
	if len(input) == 0 {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return "", false
	}
	for _, key := range []string{"url", "endpoint"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// destinationAllowed checks dest's host, protocol, and (when the allowlist
// entry specifies one) port against the allowlist. Allowlist entries are
// themselves URLs or host[:port] strings; a missing port in an entry means
// "match any port".
func destinationAllowed(dest string, allowlist []string) bool {
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return false
	}
	destHost := u.Hostname()
	destPort := u.Port()
	destScheme := u.Scheme

	for _, entry := range allowlist {
		entryURL, err := url.Parse(normalizeAllowlistEntry(entry))
		if err != nil {
			continue
		}
		if entryURL.Hostname() != destHost {
			continue
		}
		if entryURL.Scheme != "" && entryURL.Scheme != destScheme {
			continue
		}
		if entryURL.Port() != "" && entryURL.Port() != destPort {
			continue
		}
		return true
	}
	return false
}

func normalizeAllowlistEntry(entry string) string {
	if strings.Contains(entry, "://") {
		return entry
	}
	// Scheme-relative form: "//host[:port]" parses with an empty Scheme,
	// which destinationAllowed treats as "match any scheme".
	return "//" + entry
}
