package policy

import (
	"regexp"
	"strings"
)

var (
	apiKeyPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
	ephemeralPattern = regexp.MustCompile(`\bek_[A-Za-z0-9_\-]{8,}`)
	bearerPattern    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]+`)
)

// RedactSecrets masks credentials and bearer tokens in free text. Any extra
// literal secrets (for example the configured service credential) are masked
// verbatim before the pattern pass.
func RedactSecrets(input string, literals ...string) (redacted string, changed bool) {
	out := input

	for _, lit := range literals {
		if strings.TrimSpace(lit) == "" {
			continue
		}
		next := strings.ReplaceAll(out, lit, "[REDACTED_SECRET]")
		changed = changed || next != out
		out = next
	}

	// Bearer first so the header form collapses into a single marker.
	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_API_KEY]")
	changed = changed || next != out
	out = next

	next = ephemeralPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string, literals ...string) string {
	out, _ := RedactSecrets(input, literals...)
	return out
}
