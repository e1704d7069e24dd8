package textutil

import "testing"

func wrapLines(text string, width int) []string {
	return splitLines(WrapTextWithANSI(text, width))
}

func TestWrapPreservesWidthBudget(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog repeatedly and again"
	for _, line := range wrapLines(text, 12) {
		if VisibleWidth(line) > 12 {
			t.Errorf("line exceeds width: %q", line)
		}
	}
}

func TestWrapBreaksOverlongToken(t *testing.T) {
	text := "supercalifragilisticexpialidocious"
	lines := wrapLines(text, 10)
	if len(lines) < 2 {
		t.Fatalf("expected token to be broken across multiple lines, got %v", lines)
	}
	for _, line := range lines {
		if VisibleWidth(line) > 10 {
			t.Errorf("broken token line exceeds width: %q", line)
		}
	}
}

func TestWrapCarriesSGRAcrossHardBreak(t *testing.T) {
	text := "\x1b[31mred line one\nred line two\x1b[0m"
	wrapped := WrapTextWithANSI(text, 80)
	lines := splitLines(wrapped)
	if len(lines) != 2 {
		t.Fatalf("expected 2 hard lines, got %d: %v", len(lines), lines)
	}
	if !containsAt(lines[1], "\x1b[31m") {
		t.Errorf("expected SGR state carried to second line, got %q", lines[1])
	}
}

func TestWrapDropsLeadingWhitespaceAfterWrap(t *testing.T) {
	text := "aaaaa bbbbb"
	lines := wrapLines(text, 6)
	for _, l := range lines[1:] {
		if len(l) > 0 && l[0] == ' ' {
			t.Errorf("expected no leading whitespace after wrap, got %q", l)
		}
	}
}
