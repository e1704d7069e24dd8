package tui

import (
	"strconv"
	"strings"

	"github.com/ngoclaw/ngoclaw/gateway/internal/textutil"
)

// Anchor selects which corner/edge of the screen an overlay's default
// position derives from.
type Anchor int

const (
	AnchorCenter Anchor = iota
	AnchorTopLeft
	AnchorTopCenter
	AnchorTopRight
	AnchorBottomLeft
	AnchorBottomCenter
	AnchorBottomRight
	AnchorLeftCenter
	AnchorRightCenter
)

// Pos is either an absolute cell count or a percentage of the screen
// dimension ("N%"), resolved against the screen size at composition time.
type Pos struct {
	Abs     int
	Percent int // used when IsPercent
	IsSet   bool
	IsPct   bool
}

func AbsPos(n int) Pos { return Pos{Abs: n, IsSet: true} }
func PctPos(n int) Pos { return Pos{Percent: n, IsSet: true, IsPct: true} }

func (p Pos) resolve(dim int) int {
	if !p.IsSet {
		return 0
	}
	if p.IsPct {
		return dim * p.Percent / 100
	}
	return p.Abs
}

// ParsePos parses a spec-style "N" or "N%" string into a Pos.
func ParsePos(s string) (Pos, bool) {
	if s == "" {
		return Pos{}, false
	}
	if strings.HasSuffix(s, "%") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
		if err != nil {
			return Pos{}, false
		}
		return PctPos(n), true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Pos{}, false
	}
	return AbsPos(n), true
}

// Margin is the default inset from the anchored screen edge.
type Margin struct {
	Top, Right, Bottom, Left int
}

// Overlay is a floating Component composed atop the base render.
type Overlay struct {
	Component  Component
	Width      int
	MinWidth   int
	MaxHeight  int
	Anchor     Anchor
	OffsetX    int
	OffsetY    int
	Row, Col   Pos
	Margin     Margin
	VisibleFn  func(screenW, screenH int) bool
}

func (o *Overlay) isVisible(w, h int) bool {
	if o.VisibleFn == nil {
		return true
	}
	return o.VisibleFn(w, h)
}

// resolvePosition computes the overlay's top-left (row, col) within a
// screenW x screenH frame, given its own rendered width/height.
func (o *Overlay) resolvePosition(screenW, screenH, overlayW, overlayH int) (row, col int) {
	row, col = o.anchorPosition(screenW, screenH, overlayW, overlayH)

	if o.Row.IsSet {
		row = o.Row.resolve(screenH)
	}
	if o.Col.IsSet {
		col = o.Col.resolve(screenW)
	}

	row += o.OffsetY
	col += o.OffsetX

	return clamp(row, 0, maxInt(0, screenH-overlayH)), clamp(col, 0, maxInt(0, screenW-overlayW))
}

func (o *Overlay) anchorPosition(screenW, screenH, overlayW, overlayH int) (row, col int) {
	m := o.Margin
	switch o.Anchor {
	case AnchorTopLeft:
		return m.Top, m.Left
	case AnchorTopCenter:
		return m.Top, (screenW-overlayW)/2
	case AnchorTopRight:
		return m.Top, screenW - overlayW - m.Right
	case AnchorBottomLeft:
		return screenH - overlayH - m.Bottom, m.Left
	case AnchorBottomCenter:
		return screenH - overlayH - m.Bottom, (screenW-overlayW)/2
	case AnchorBottomRight:
		return screenH - overlayH - m.Bottom, screenW - overlayW - m.Right
	case AnchorLeftCenter:
		return (screenH - overlayH) / 2, m.Left
	case AnchorRightCenter:
		return (screenH - overlayH) / 2, screenW - overlayW - m.Right
	default: // AnchorCenter
		return (screenH - overlayH) / 2, (screenW - overlayW) / 2
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// composeOverlays applies each visible overlay (in stack order) onto base,
// widening base with blank lines if an overlay extends below it.
func composeOverlays(base []string, overlays []*Overlay, screenW int) []string {
	screenH := len(base)
	lines := append([]string(nil), base...)

	for _, o := range overlays {
		if !o.isVisible(screenW, len(lines)) {
			continue
		}
		w := o.Width
		if w <= 0 {
			w = screenW
		}
		if o.MinWidth > 0 && w < o.MinWidth {
			w = o.MinWidth
		}
		if w > screenW {
			w = screenW
		}
		content := o.Component.Render(w)
		if o.MaxHeight > 0 && len(content) > o.MaxHeight {
			content = content[:o.MaxHeight]
		}

		row, col := o.resolvePosition(screenW, screenH, w, len(content))

		for len(lines) < row+len(content) {
			lines = append(lines, "")
		}
		screenH = len(lines)

		for i, overlayLine := range content {
			target := row + i
			if target < 0 || target >= len(lines) {
				continue
			}
			if textutil.IsImageLine(lines[target]) || textutil.IsImageLine(overlayLine) {
				continue
			}
			afterStart := col + w
			afterLen := screenW - afterStart
			if afterLen < 0 {
				afterLen = 0
			}
			seg := textutil.ExtractSegments(lines[target], col, afterStart, afterLen)
			lines[target] = seg.BeforeText + overlayLine + seg.AfterText
		}
	}

	for i, line := range lines {
		if textutil.IsImageLine(line) {
			continue
		}
		lines[i] = textutil.SliceWithWidth(line, 0, screenW, true)
	}
	return lines
}
