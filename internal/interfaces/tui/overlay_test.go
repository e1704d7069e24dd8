package tui

import (
	"strings"
	"testing"
)

type fixedComponent struct{ lines []string }

func (f *fixedComponent) Render(width int) []string { return f.lines }
func (f *fixedComponent) Invalidate()                {}
func (f *fixedComponent) HandleInput(_ string)       {}

func TestParsePosAbsoluteAndPercent(t *testing.T) {
	p, ok := ParsePos("10")
	if !ok || p.resolve(100) != 10 {
		t.Errorf("expected absolute 10, got %+v", p)
	}
	p, ok = ParsePos("50%")
	if !ok || p.resolve(100) != 50 {
		t.Errorf("expected 50%% of 100 = 50, got %+v", p)
	}
}

func TestParsePosInvalid(t *testing.T) {
	if _, ok := ParsePos("abc"); ok {
		t.Error("expected invalid position string to fail to parse")
	}
}

func TestComposeOverlaysTopLeft(t *testing.T) {
	base := []string{"AAAAAAAAAA", "BBBBBBBBBB", "CCCCCCCCCC"}
	o := &Overlay{
		Component: &fixedComponent{lines: []string{"XX"}},
		Width:     2,
		Anchor:    AnchorTopLeft,
	}
	out := composeOverlays(base, []*Overlay{o}, 10)
	if !strings.HasPrefix(out[0], "XX") {
		t.Errorf("expected overlay at top-left, got %q", out[0])
	}
	if out[1] != "BBBBBBBBBB" {
		t.Errorf("expected untouched row, got %q", out[1])
	}
}

func TestComposeOverlaysExtendsBelowBase(t *testing.T) {
	base := []string{"AAAA"}
	o := &Overlay{
		Component: &fixedComponent{lines: []string{"X", "Y", "Z"}},
		Width:     1,
		Anchor:    AnchorTopLeft,
	}
	out := composeOverlays(base, []*Overlay{o}, 4)
	if len(out) != 3 {
		t.Fatalf("expected base widened to 3 lines, got %d: %v", len(out), out)
	}
}

func TestComposeOverlaysRespectsExplicitRowCol(t *testing.T) {
	base := []string{"0123456789", "0123456789"}
	o := &Overlay{
		Component: &fixedComponent{lines: []string{"XX"}},
		Width:     2,
		Row:       AbsPos(1),
		Col:       AbsPos(4),
	}
	out := composeOverlays(base, []*Overlay{o}, 10)
	if out[0] != "0123456789" {
		t.Errorf("row 0 should be untouched, got %q", out[0])
	}
	if !strings.Contains(out[1], "XX") {
		t.Errorf("expected overlay written into row 1, got %q", out[1])
	}
}

func TestComposeOverlaysInvisibleSkipped(t *testing.T) {
	base := []string{"AAAA"}
	o := &Overlay{
		Component: &fixedComponent{lines: []string{"X"}},
		Width:     1,
		VisibleFn: func(w, h int) bool { return false },
	}
	out := composeOverlays(base, []*Overlay{o}, 4)
	if out[0] != "AAAA" {
		t.Errorf("expected invisible overlay to leave base untouched, got %q", out[0])
	}
}

func TestComposeOverlaysSkipsImageLines(t *testing.T) {
	base := []string{"\x1b_Gf=100,a=T;AAAA\x1b\\"}
	o := &Overlay{
		Component: &fixedComponent{lines: []string{"XX"}},
		Width:     2,
		Anchor:    AnchorTopLeft,
	}
	out := composeOverlays(base, []*Overlay{o}, 20)
	if out[0] != base[0] {
		t.Errorf("expected image line left untouched, got %q", out[0])
	}
}
