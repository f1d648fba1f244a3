package txbox

import (
	"regexp"
	"strings"
)

// defaultMaxErrorLength bounds the text stored in last_error columns.
const defaultMaxErrorLength = 512

// maxErrorColumnLength is the width of the last_error column created by EnsureTablesExist.
const maxErrorColumnLength = 2000

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitiveDataPattern struct {
	pattern     *regexp.Regexp
	replacement string
}

// Broker and database errors often echo connection strings.
var sensitiveDataPatterns = []sensitiveDataPattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(password|pwd|secret|api[-_]?key|access[-_]?token)\s*[:=]\s*([^\s,;&]+)`),
		replacement: `$1=` + redactedValue,
	},
}

// sanitizeError renders err for storage in a last_error column.
func sanitizeError(err error, maxRunes int) string {
	if err == nil {
		return ""
	}
	return sanitizeErrorMessage(err.Error(), maxRunes)
}

func sanitizeErrorMessage(msg string, maxRunes int) string {
	redacted := strings.TrimSpace(msg)
	for _, matcher := range sensitiveDataPatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	if maxRunes <= 0 || maxRunes > maxErrorColumnLength {
		maxRunes = maxErrorColumnLength
	}
	return truncateError(redacted, maxRunes, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
