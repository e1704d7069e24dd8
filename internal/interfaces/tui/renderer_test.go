package tui

import (
	"testing"

	"go.uber.org/zap"
)

func TestFirstLastDiffNoChange(t *testing.T) {
	old := []string{"a", "b", "c"}
	next := []string{"a", "b", "c"}
	_, _, changed := firstLastDiff(old, next)
	if changed {
		t.Error("expected no change when frames are identical")
	}
}

func TestFirstLastDiffMiddleChange(t *testing.T) {
	old := []string{"hello", "world"}
	next := []string{"hello", "WORLD"}
	first, last, changed := firstLastDiff(old, next)
	if !changed || first != 1 || last != 1 {
		t.Errorf("expected changed at index 1, got first=%d last=%d changed=%v", first, last, changed)
	}
}

func TestFirstLastDiffAppended(t *testing.T) {
	old := []string{"a"}
	next := []string{"a", "b", "c"}
	first, last, changed := firstLastDiff(old, next)
	if !changed || first != 1 || last != 2 {
		t.Errorf("expected appended range [1,2], got first=%d last=%d changed=%v", first, last, changed)
	}
}

func TestFirstLastDiffShrunk(t *testing.T) {
	old := []string{"a", "b", "c"}
	next := []string{"a"}
	first, last, changed := firstLastDiff(old, next)
	if !changed || first != 1 || last != 2 {
		t.Errorf("expected shrink range [1,2], got first=%d last=%d changed=%v", first, last, changed)
	}
}

func TestComposeExtractsAndStripsCursorMarker(t *testing.T) {
	logger := zap.NewNop()
	tui := &TUI{logger: logger}
	tui.Append(&StaticText{Text: "hello" + cursorMarker + "world"})
	res := tui.compose(80)
	if !res.cursorFound {
		t.Fatal("expected cursor marker to be found")
	}
	if res.cursorCol != 5 {
		t.Errorf("expected cursor at column 5, got %d", res.cursorCol)
	}
	for _, line := range res.lines {
		if containsCursorMarker(line) {
			t.Errorf("expected cursor marker stripped from output, got %q", line)
		}
	}
}

func containsCursorMarker(s string) bool {
	for i := 0; i+len(cursorMarker) <= len(s); i++ {
		if s[i:i+len(cursorMarker)] == cursorMarker {
			return true
		}
	}
	return false
}
