package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "web-1", "web-1"},
		{"newlines", "a\nb\rc", "a b c"},
		{"tab", "a\tb", "a b"},
		{"escape sequences", "x\x1b[31my", "x[31my"},
		{"delete", "a\x7fb", "ab"},
		{"unicode", "контейнер", "контейнер"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("a", 1000))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation marker, got suffix %q", got[len(got)-5:])
	}
	if len(got) != maxLogValue+3 {
		t.Errorf("expected length %d, got %d", maxLogValue+3, len(got))
	}
}
