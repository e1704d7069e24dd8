package textutil

import "testing"

func TestSliceWithWidthBasic(t *testing.T) {
	s := SliceWithWidth("hello world", 6, 5, true)
	if s != "world" {
		t.Errorf("expected %q, got %q", "world", s)
	}
}

func TestSliceWithWidthRespectsBudget(t *testing.T) {
	for _, l := range []int{0, 1, 3, 100} {
		got := SliceWithWidth("hello world", 2, l, true)
		if w := VisibleWidth(got); w > l {
			t.Errorf("slice width %d exceeds requested length %d (%q)", w, l, got)
		}
	}
}

func TestSliceWithWidthPreservesANSI(t *testing.T) {
	s := "\x1b[31mhello\x1b[0m world"
	got := SliceWithWidth(s, 0, 5, true)
	if !containsAt(got, "\x1b[31m") {
		t.Errorf("expected ANSI prefix preserved in slice, got %q", got)
	}
}

func TestExtractSegmentsBeforeAfterBudgets(t *testing.T) {
	s := "0123456789"
	seg := ExtractSegments(s, 3, 6, 4)
	if seg.BeforeWidth > 3 {
		t.Errorf("before width %d exceeds 3", seg.BeforeWidth)
	}
	if seg.AfterWidth > 4 {
		t.Errorf("after width %d exceeds 4", seg.AfterWidth)
	}
	if seg.BeforeText != "012" {
		t.Errorf("expected before text '012', got %q", seg.BeforeText)
	}
	if seg.AfterText != "6789" {
		t.Errorf("expected after text '6789', got %q", seg.AfterText)
	}
}

func TestExtractSegmentsCarriesStyleAfterOverlay(t *testing.T) {
	s := "\x1b[32mgreengreengreen"
	seg := ExtractSegments(s, 0, 5, 5)
	if !containsAt(seg.AfterText, "\x1b[32m") {
		t.Errorf("expected active style carried into after-segment, got %q", seg.AfterText)
	}
}

func TestIsImageLine(t *testing.T) {
	if !IsImageLine("\x1b_Gf=100,a=T;AAAA\x1b\\") {
		t.Error("expected kitty graphics escape to be detected as image line")
	}
	if !IsImageLine("\x1b]1337;File=inline=1:AAAA\x07") {
		t.Error("expected iterm2 inline image escape to be detected as image line")
	}
	if IsImageLine("plain text") {
		t.Error("plain text should not be an image line")
	}
}
