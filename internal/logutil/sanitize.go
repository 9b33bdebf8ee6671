package logutil

import "strings"

// maxLogValue caps client-supplied values so a hostile token or target name
// cannot flood the log.
const maxLogValue = 256

// SanitizeForLog removes newlines and control characters from client-supplied
// strings (token subjects, target names, close reasons) so they cannot forge
// extra log entries, and truncates overly long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogValue))
	n := 0
	for _, r := range s {
		if n >= maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
