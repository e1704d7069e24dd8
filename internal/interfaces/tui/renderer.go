package tui

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/terminal"
	"github.com/ngoclaw/ngoclaw/gateway/internal/textutil"
)

// Config holds renderer-level knobs, including the two env-sourced debug
// flags read once at construction.
type Config struct {
	Model      string
	SessionID  string
	UserName   string
	DebugRedraw   bool // PI_DEBUG_REDRAW
	ClearOnShrink bool // PI_CLEAR_ON_SHRINK
}

// TUI is the top-level Container: the Component tree plus an overlay stack
// and the differential-update state machine that diffs frames line by line.
type TUI struct {
	Container
	term     *terminal.Terminal
	logger   *zap.Logger
	cfg      Config
	overlays []*Overlay

	previousLines     []string
	hardwareCursorRow int
	cursorVisible     bool
	maxLinesRendered  int
	previousWidth     int
}

// New creates a TUI bound to a terminal.
func New(term *terminal.Terminal, cfg Config, logger *zap.Logger) *TUI {
	return &TUI{term: term, cfg: cfg, logger: logger}
}

// PushOverlay adds an overlay to the top of the stack.
func (t *TUI) PushOverlay(o *Overlay) { t.overlays = append(t.overlays, o) }

// PopOverlay removes the most recently pushed overlay, if any.
func (t *TUI) PopOverlay() {
	if len(t.overlays) > 0 {
		t.overlays = t.overlays[:len(t.overlays)-1]
	}
}

// renderResult is the composed frame plus the extracted cursor position.
type renderResult struct {
	lines       []string
	cursorRow   int
	cursorCol   int
	cursorFound bool
}

// compose renders the base tree, overlays it, and extracts the hardware
// cursor marker.
func (t *TUI) compose(width int) renderResult {
	base := t.Container.Render(width)
	lines := composeOverlays(base, t.overlays, width)

	res := renderResult{lines: lines}
	for i := len(lines) - 1; i >= 0; i-- {
		if idx := strings.Index(lines[i], cursorMarker); idx >= 0 {
			before := lines[i][:idx]
			after := lines[i][idx+len(cursorMarker):]
			lines[i] = before + after
			res.cursorRow = i
			res.cursorCol = textutil.VisibleWidth(before)
			res.cursorFound = true
			break
		}
	}

	for i, line := range lines {
		if textutil.IsImageLine(line) {
			continue
		}
		if textutil.VisibleWidth(line) > width {
			t.logger.Warn("renderer: line exceeds terminal width, truncating",
				zap.Int("width", width), zap.Int("line", i))
			line = textutil.SliceWithWidth(line, 0, width, true)
		}
		lines[i] = line + "\x1b[0m\x1b]8;;\x07"
	}
	res.lines = lines
	return res
}

// RequestRender recomputes the frame for the given size and writes the
// minimal diff to the terminal.
func (t *TUI) RequestRender(width, height int) error {
	res := t.compose(width)

	if width != t.previousWidth {
		return t.fullRender(res, width, height)
	}
	if height < t.maxLinesRendered && t.cfg.ClearOnShrink {
		return t.fullRender(res, width, height)
	}
	return t.diffRender(res, width)
}

func (t *TUI) fullRender(res renderResult, width, height int) error {
	var b strings.Builder
	if t.cfg.ClearOnShrink {
		b.WriteString("\x1b[3J\x1b[2J\x1b[H")
	}
	b.WriteString("\x1b[?2026h")
	for i, line := range res.lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("\x1b[2K")
		b.WriteString(line)
	}
	b.WriteString("\x1b[?2026l")
	if _, err := t.term.Write([]byte(b.String())); err != nil {
		return err
	}
	t.placeCursor(res)
	t.previousLines = res.lines
	t.previousWidth = width
	if len(res.lines) > t.maxLinesRendered {
		t.maxLinesRendered = len(res.lines)
	}
	t.hardwareCursorRow = len(res.lines) - 1
	return nil
}

// diffRender implements the common-case differential update: find the
// first/last changed line, reposition, and rewrite only the changed span.
func (t *TUI) diffRender(res renderResult, width int) error {
	first, last, changed := firstLastDiff(t.previousLines, res.lines)
	if t.cfg.DebugRedraw {
		t.logger.Debug("redraw decision",
			zap.Bool("changed", changed),
			zap.Int("first", first),
			zap.Int("last", last),
			zap.Int("prev_lines", len(t.previousLines)),
			zap.Int("next_lines", len(res.lines)))
	}
	if !changed {
		t.placeCursor(res)
		t.previousLines = res.lines
		return nil
	}

	var b strings.Builder
	b.WriteString("\x1b[?2026h")

	moveRows := first - t.hardwareCursorRow
	if moveRows > 0 {
		fmt.Fprintf(&b, "\x1b[%dB", moveRows)
	} else if moveRows < 0 {
		fmt.Fprintf(&b, "\x1b[%dA", -moveRows)
	}
	b.WriteString("\r")

	// Lines beyond the previous frame's end extend the scroll region: the
	// cursor is still sitting on the previous last line, so advance past it
	// before writing the first appended line.
	if first >= len(t.previousLines) {
		b.WriteString("\r\n")
	}

	lastRow := last
	if len(res.lines)-1 > lastRow {
		lastRow = len(res.lines) - 1
	}
	for i := first; i <= lastRow; i++ {
		if i > first {
			b.WriteString("\r\n")
		}
		b.WriteString("\x1b[2K")
		if i < len(res.lines) {
			b.WriteString(res.lines[i])
		}
	}

	// If the new frame is shorter, clear the now-stale trailing lines and
	// move back up so hardwareCursorRow continues to track the true bottom.
	if len(res.lines) < len(t.previousLines) {
		back := len(t.previousLines) - len(res.lines)
		for i := 0; i < back; i++ {
			b.WriteString("\r\n\x1b[2K")
		}
		fmt.Fprintf(&b, "\x1b[%dA", back)
	}

	b.WriteString("\x1b[?2026l")
	if _, err := t.term.Write([]byte(b.String())); err != nil {
		return err
	}

	t.placeCursor(res)
	t.previousLines = res.lines
	if len(res.lines) > t.maxLinesRendered {
		t.maxLinesRendered = len(res.lines)
	}
	t.hardwareCursorRow = len(res.lines) - 1
	return nil
}

func (t *TUI) placeCursor(res renderResult) {
	if !res.cursorFound {
		if t.cursorVisible {
			t.term.HideCursor()
			t.cursorVisible = false
		}
		return
	}
	rowDelta := res.cursorRow - (len(res.lines) - 1)
	var b strings.Builder
	if rowDelta < 0 {
		fmt.Fprintf(&b, "\x1b[%dA", -rowDelta)
	} else if rowDelta > 0 {
		fmt.Fprintf(&b, "\x1b[%dB", rowDelta)
	}
	fmt.Fprintf(&b, "\r\x1b[%dC", res.cursorCol)
	t.term.Write([]byte(b.String()))
	if !t.cursorVisible {
		t.term.ShowCursor()
		t.cursorVisible = true
	}
}

// firstLastDiff returns the first and last line indices where old and
// next differ (including a length mismatch extending past the shorter
// slice), and whether any difference exists at all.
func firstLastDiff(old, next []string) (first, last int, changed bool) {
	n := len(old)
	if len(next) > n {
		n = len(next)
	}
	first, last = -1, -1
	for i := 0; i < n; i++ {
		var o, nx string
		if i < len(old) {
			o = old[i]
		}
		if i < len(next) {
			nx = next[i]
		}
		if o != nx {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return 0, 0, false
	}
	return first, last, true
}
