package textutil

import "strings"

// WrapTextWithANSI wraps text to width columns, carrying SGR state across
// hard line breaks and preserving embedded ANSI codes.
func WrapTextWithANSI(text string, width int) string {
	if width <= 0 {
		width = 1
	}
	hardLines := strings.Split(text, "\n")
	tracker := NewANSITracker()
	var outLines []string

	for hi, hardLine := range hardLines {
		prefix := ""
		if hi > 0 {
			prefix = tracker.ActiveCodes()
		}
		tracker.Consume(hardLine)
		wrapped := wrapSingleLine(prefix, hardLine, width)
		outLines = append(outLines, wrapped...)
	}
	return strings.Join(outLines, "\n")
}

// token is a whitespace or non-whitespace run, with any ANSI codes that
// appeared immediately before it retained as a prefix so they travel with
// the run when wrapping reorders text.
type token struct {
	ansiPrefix string
	text       string // visible (non-ANSI) text of this run
	isSpace    bool
}

// tokenize splits line into alternating whitespace/non-whitespace runs,
// attaching any ANSI codes found immediately before a run to that run.
func tokenize(line string) []token {
	var toks []token
	var ansiBuf strings.Builder
	var curText strings.Builder
	curIsSpace := false
	started := false

	flush := func() {
		if curText.Len() > 0 || ansiBuf.Len() > 0 {
			toks = append(toks, token{ansiPrefix: ansiBuf.String(), text: curText.String(), isSpace: curIsSpace})
			ansiBuf.Reset()
			curText.Reset()
		}
	}

	i := 0
	for i < len(line) {
		if line[i] == '\x1b' {
			if cls, n := ClassifyLeadingSequence(line[i:]); cls != SeqNone {
				ansiBuf.WriteString(line[i : i+n])
				i += n
				continue
			}
		}
		r, size := decodeRune(line[i:])
		isSpace := r == ' '
		if !started {
			curIsSpace = isSpace
			started = true
		} else if isSpace != curIsSpace {
			flush()
			curIsSpace = isSpace
		}
		curText.WriteString(line[i : i+size])
		i += size
	}
	flush()
	return toks
}

func decodeRune(s string) (rune, int) {
	for i, r := range s {
		_ = i
		return r, len(string(r))
	}
	return 0, 1
}

// wrapSingleLine wraps one hard line (no embedded \n) to width columns.
func wrapSingleLine(carryPrefix, line string, width int) []string {
	toks := tokenize(line)
	tracker := NewANSITracker()
	tracker.Consume(carryPrefix)

	var lines []string
	var cur strings.Builder
	curWidth := 0
	lineHasContent := false

	startLine := func() {
		cur.Reset()
		cur.WriteString(carryPrefix)
		carryPrefix = "" // only the very first output line gets the carry prefix
		curWidth = 0
		lineHasContent = false
	}
	startLine()

	endLine := func() {
		cur.WriteString(tracker.LineEndReset())
		lines = append(lines, cur.String())
	}

	appendGraphemesAtBoundary := func(prefix, text string) {
		cur.WriteString(prefix)
		tracker.Consume(prefix)
		for _, g := range Graphemes(text) {
			w := ClusterWidth(g)
			if curWidth+w > width && lineHasContent {
				endLine()
				startLine()
			}
			cur.WriteString(g)
			curWidth += w
			lineHasContent = true
		}
	}

	for _, t := range toks {
		tw := VisibleWidth(t.text)
		if t.isSpace {
			if curWidth+tw > width {
				// Drop trailing whitespace at a wrap boundary instead of
				// carrying it to the next line.
				continue
			}
			appendGraphemesAtBoundary(t.ansiPrefix, t.text)
			continue
		}
		if tw > width {
			// A single token wider than the line: break at grapheme
			// boundaries.
			appendGraphemesAtBoundary(t.ansiPrefix, t.text)
			continue
		}
		if curWidth+tw > width {
			endLine()
			startLine()
			// Leading whitespace after a wrap is already dropped because
			// the next token in the source, if whitespace, is skipped by
			// the branch above — but since we just started a fresh line
			// curWidth=0 so we still need to consume this token normally.
		}
		appendGraphemesAtBoundary(t.ansiPrefix, t.text)
	}
	endLine()
	return lines
}
