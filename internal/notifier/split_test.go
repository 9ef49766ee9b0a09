package notifier

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 2000)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30) + "\n"
	text := strings.Repeat(line, 10) // 310 runes
	got := splitText(text, 100)
	if len(got) < 4 {
		t.Fatalf("expected at least 4 chunks, got %d", len(got))
	}
	for i, c := range got {
		if utf8.RuneCountInString(c) > 100 {
			t.Fatalf("chunk %d too long: %d", i, utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, c)
		}
		for _, part := range strings.Split(c, "\n") {
			if len(part) != 30 {
				t.Fatalf("chunk %d split inside a line: %q", i, part)
			}
		}
	}
}

func TestSplitTextHardSplitsLongLines(t *testing.T) {
	t.Parallel()
	got := splitText(strings.Repeat("é", 250), 100)
	if len(got) != 3 || utf8.RuneCountInString(got[2]) != 50 {
		t.Fatalf("chunks = %d", len(got))
	}
}
