package audit

import (
	"regexp"
	"strings"
)

const (
	redactedPlaceholder = "[REDACTED]"
	truncatedMarker     = "…(truncated)"
	maxDetailLen        = 512
)

// sensitiveKeyFragments flag detail field names whose values must never be
// emitted, regardless of content.
var sensitiveKeyFragments = []string{
	"password", "token", "key", "secret", "credential", "auth",
}

// sensitiveValuePatterns catch credential-shaped values in free-text fields,
// such as a denied command string that embedded an API key.
var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
	regexp.MustCompile(`https?://[^:/\s]+:[^@\s]+@`),
}

// sanitizeDetails redacts sensitive keys and values and truncates long
// fields. The input map is not modified.
func sanitizeDetails(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		if keyIsSensitive(k) {
			out[k] = redactedPlaceholder
			continue
		}
		v = redactValue(v)
		if len(v) > maxDetailLen {
			v = v[:maxDetailLen] + truncatedMarker
		}
		out[k] = v
	}
	return out
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func redactValue(v string) string {
	for _, p := range sensitiveValuePatterns {
		v = p.ReplaceAllString(v, redactedPlaceholder)
	}
	return v
}
