// Package logsanitize strips or escapes characters from untrusted text
// before it is attached to a structured log entry, so a backend's captured
// output can't inject fake log lines or terminal control sequences into an
// operator's log stream.
package logsanitize

import (
	"strings"
	"unicode"
)

const maxLen = 4096

// ForLog returns s with newlines, carriage returns, tabs and backslashes
// escaped and other control or non-printable characters replaced by '?',
// truncated to a bounded length.
func ForLog(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString("\\n")
		case r == '\r':
			b.WriteString("\\r")
		case r == '\t':
			b.WriteString("\\t")
		case r == '\\':
			b.WriteString("\\\\")
		case unicode.IsControl(r):
			b.WriteByte('?')
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}

	out := b.String()
	if len(out) > maxLen {
		return out[:maxLen] + "...[truncated]"
	}
	return out
}
