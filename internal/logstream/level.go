package logstream

import (
	"regexp"
	"strings"
)

// levelRe recognizes a level word appearing bare, bracketed, or after a
// level= / level: prefix. "warning" precedes "warn" so the longer form
// wins the alternation.
var levelRe = regexp.MustCompile(`(?i)(?:\blevel\s*[=:]\s*|\[\s*)?\b(debug|info|success|warning|warn|error|fatal|critical)\b`)

// Level extracts the log level from a message, defaulting to INFO.
func Level(message string) string {
	m := levelRe.FindStringSubmatch(message)
	if m == nil {
		return "INFO"
	}
	return strings.ToUpper(m[1])
}
