// Package textutil implements the grapheme- and ANSI-aware text pipeline:
// visible width measurement, word wrap, column slicing, and overlay
// composition primitives shared by the differential renderer.
package textutil

import "regexp"

// Sequence classes recognized by the ANSI pipeline, matching the taxonomy
// charmbracelet/x/ansi parses: CSI (cursor/SGR), OSC (title/hyperlink), and
// APC (private application escapes, used here for the hardware-cursor
// marker).
var (
	csiPattern = regexp.MustCompile("\x1b\\[[0-9;:?]*[ -/]*[@-~]")
	oscPattern = regexp.MustCompile("\x1b\\][^\x07]*(\x07|\x1b\\\\)")
	apcPattern = regexp.MustCompile("\x1b_[^\x07]*(\x07|\x1b\\\\)")

	anyAnsiPattern = regexp.MustCompile(
		"(\x1b\\[[0-9;:?]*[ -/]*[@-~])|(\x1b\\][^\x07]*(\x07|\x1b\\\\))|(\x1b_[^\x07]*(\x07|\x1b\\\\))",
	)

	sgrPattern = regexp.MustCompile(`\x1b\[([0-9;:]*)m`)
)

// StripANSI removes CSI, OSC, and APC escape sequences from s.
func StripANSI(s string) string {
	return anyAnsiPattern.ReplaceAllString(s, "")
}

// SequenceClass identifies which escape family a matched sequence belongs
// to, used by ClassifyLeadingSequence to decide how much of a buffered prefix to
// treat as opaque control data.
type SequenceClass int

const (
	SeqNone SequenceClass = iota
	SeqCSI
	SeqOSC
	SeqAPC
)

// ClassifyLeadingSequence reports which escape class (if any) matches at the
// start of s, and the byte length of that match.
func ClassifyLeadingSequence(s string) (SequenceClass, int) {
	if loc := csiPattern.FindStringIndex(s); loc != nil && loc[0] == 0 {
		return SeqCSI, loc[1]
	}
	if loc := oscPattern.FindStringIndex(s); loc != nil && loc[0] == 0 {
		return SeqOSC, loc[1]
	}
	if loc := apcPattern.FindStringIndex(s); loc != nil && loc[0] == 0 {
		return SeqAPC, loc[1]
	}
	return SeqNone, 0
}

// ExpandTabs expands each '\t' to three spaces.
func ExpandTabs(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			out = append(out, ' ', ' ', ' ')
		} else {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// SGRColor holds a foreground or background color reference — either a
// basic/256 palette index or a 24-bit truecolor triple.
type SGRColor struct {
	Set       bool
	TrueColor bool
	Index     int
	R, G, B   uint8
}

// SGRState tracks the active Select Graphic Rendition attributes as a CSI-m
// stream is consumed.
type SGRState struct {
	Bold, Dim, Italic, Underline, Blink, Inverse, Hidden, Strikethrough bool
	Fg, Bg                                                              SGRColor
}

// Reset clears all tracked attributes.
func (s *SGRState) Reset() { *s = SGRState{} }

// IsZero reports whether no attribute is currently active.
func (s *SGRState) IsZero() bool { return *s == SGRState{} }

// ANSITracker consumes text containing CSI-m sequences and maintains the
// cumulative SGR state.
type ANSITracker struct {
	state SGRState
}

// NewANSITracker returns a tracker starting from a cleared state.
func NewANSITracker() *ANSITracker { return &ANSITracker{} }

// State returns a copy of the current SGR state.
func (t *ANSITracker) State() SGRState { return t.state }

// Consume scans s for CSI-m sequences (ignoring other escape classes) and
// updates the tracked state in order of appearance.
func (t *ANSITracker) Consume(s string) {
	matches := sgrPattern.FindAllStringSubmatchIndex(s, -1)
	for _, m := range matches {
		params := s[m[2]:m[3]]
		t.applyParams(params)
	}
}

func (t *ANSITracker) applyParams(params string) {
	if params == "" {
		t.state.Reset()
		return
	}
	codes := splitParams(params)
	for i := 0; i < len(codes); i++ {
		c := codes[i]
		switch {
		case c == 0:
			t.state.Reset()
		case c == 1:
			t.state.Bold = true
		case c == 2:
			t.state.Dim = true
		case c == 3:
			t.state.Italic = true
		case c == 4:
			t.state.Underline = true
		case c == 5 || c == 6:
			t.state.Blink = true
		case c == 7:
			t.state.Inverse = true
		case c == 8:
			t.state.Hidden = true
		case c == 9:
			t.state.Strikethrough = true
		case c == 22:
			t.state.Bold, t.state.Dim = false, false
		case c == 23:
			t.state.Italic = false
		case c == 24:
			t.state.Underline = false
		case c == 25:
			t.state.Blink = false
		case c == 27:
			t.state.Inverse = false
		case c == 28:
			t.state.Hidden = false
		case c == 29:
			t.state.Strikethrough = false
		case c == 39:
			t.state.Fg = SGRColor{}
		case c == 49:
			t.state.Bg = SGRColor{}
		case c >= 30 && c <= 37:
			t.state.Fg = SGRColor{Set: true, Index: c - 30}
		case c >= 40 && c <= 47:
			t.state.Bg = SGRColor{Set: true, Index: c - 40}
		case c >= 90 && c <= 97:
			t.state.Fg = SGRColor{Set: true, Index: c - 90 + 8}
		case c >= 100 && c <= 107:
			t.state.Bg = SGRColor{Set: true, Index: c - 100 + 8}
		case c == 38 || c == 48:
			consumed, col := parseExtendedColor(codes, i)
			if c == 38 {
				t.state.Fg = col
			} else {
				t.state.Bg = col
			}
			i += consumed
		}
	}
}

// parseExtendedColor parses the 256-color (`5;n`) or truecolor (`2;r;g;b`)
// extended SGR color forms starting at codes[i+1]. Returns the number of
// extra codes consumed and the resulting color.
func parseExtendedColor(codes []int, i int) (int, SGRColor) {
	if i+1 >= len(codes) {
		return 0, SGRColor{}
	}
	switch codes[i+1] {
	case 5:
		if i+2 < len(codes) {
			return 2, SGRColor{Set: true, Index: codes[i+2]}
		}
	case 2:
		if i+4 < len(codes) {
			return 4, SGRColor{
				Set: true, TrueColor: true,
				R: uint8(codes[i+2]), G: uint8(codes[i+3]), B: uint8(codes[i+4]),
			}
		}
	}
	return 0, SGRColor{}
}

func splitParams(params string) []int {
	var out []int
	cur := 0
	has := false
	for i := 0; i <= len(params); i++ {
		if i == len(params) || params[i] == ';' || params[i] == ':' {
			if has {
				out = append(out, cur)
			} else {
				out = append(out, 0)
			}
			cur, has = 0, false
			continue
		}
		d := params[i]
		if d >= '0' && d <= '9' {
			cur = cur*10 + int(d-'0')
			has = true
		}
	}
	return out
}

// ActiveCodes renders the CSI-m sequence that restores the currently tracked
// SGR state, for prefixing a line after a hard wrap break.
func (t *ANSITracker) ActiveCodes() string {
	s := t.state
	if s.IsZero() {
		return ""
	}
	var codes []int
	if s.Bold {
		codes = append(codes, 1)
	}
	if s.Dim {
		codes = append(codes, 2)
	}
	if s.Italic {
		codes = append(codes, 3)
	}
	if s.Underline {
		codes = append(codes, 4)
	}
	if s.Blink {
		codes = append(codes, 5)
	}
	if s.Inverse {
		codes = append(codes, 7)
	}
	if s.Hidden {
		codes = append(codes, 8)
	}
	if s.Strikethrough {
		codes = append(codes, 9)
	}
	codes = append(codes, colorCodes(s.Fg, true)...)
	codes = append(codes, colorCodes(s.Bg, false)...)
	if len(codes) == 0 {
		return ""
	}
	return "\x1b[" + joinInts(codes) + "m"
}

func colorCodes(c SGRColor, fg bool) []int {
	if !c.Set {
		return nil
	}
	base := 38
	if !fg {
		base = 48
	}
	if c.TrueColor {
		return []int{base, 2, int(c.R), int(c.G), int(c.B)}
	}
	if c.Index < 8 {
		return []int{base - 8 + c.Index} // 30-37 / 40-47
	}
	if c.Index < 16 {
		return []int{base + 52 + c.Index - 8} // 90-97 / 100-107
	}
	return []int{base, 5, c.Index}
}

func joinInts(xs []int) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += ";"
		}
		out += itoa(x)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// LineEndReset returns the sequence needed to stop underline bleeding into
// padding characters appended after the line on some terminals.
func (t *ANSITracker) LineEndReset() string {
	if t.state.Underline {
		return "\x1b[24m"
	}
	return ""
}
