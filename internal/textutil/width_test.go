package textutil

import "testing"

func TestVisibleWidthPlainASCII(t *testing.T) {
	if w := VisibleWidth("hello"); w != 5 {
		t.Errorf("expected width 5, got %d", w)
	}
}

func TestVisibleWidthStripsANSI(t *testing.T) {
	s := "\x1b[31mred\x1b[0m"
	if w := VisibleWidth(s); w != 3 {
		t.Errorf("expected width 3, got %d", w)
	}
}

func TestVisibleWidthTabExpansion(t *testing.T) {
	if w := VisibleWidth("a\tb"); w != 5 { // 'a' + 3 spaces + 'b'
		t.Errorf("expected width 5, got %d", w)
	}
}

func TestVisibleWidthEmoji(t *testing.T) {
	if w := VisibleWidth("\U0001F600"); w != 2 {
		t.Errorf("expected emoji width 2, got %d", w)
	}
}

func TestVisibleWidthCombiningMark(t *testing.T) {
	// 'e' + combining acute accent should be width 1, not 2.
	if w := VisibleWidth("é"); w != 1 {
		t.Errorf("expected combined grapheme width 1, got %d", w)
	}
}

func TestVisibleWidthIdempotentOnWrap(t *testing.T) {
	s := "the quick brown fox jumps over the lazy dog"
	wrapped := WrapTextWithANSI(s, 10)
	for _, line := range splitLines(wrapped) {
		if VisibleWidth(line) > 10 {
			t.Errorf("wrapped line exceeds width 10: %q (%d)", line, VisibleWidth(line))
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
