package textutil

// Segments is the result of ExtractSegments: the visible text and width of
// the region before an overlay, and of the region after it, with the after
// segment carrying the SGR codes active at the point it resumes so that
// styling active before the overlay continues past it.
type Segments struct {
	BeforeText  string
	BeforeWidth int
	AfterText   string
	AfterWidth  int
}

// ExtractSegments computes the [0, beforeEnd) and [afterStart,
// afterStart+afterLen) visible segments of line in a single pass, prefixing
// the after segment with the SGR state active when afterStart is reached.
func ExtractSegments(line string, beforeEnd, afterStart, afterLen int) Segments {
	var seg Segments
	tracker := NewANSITracker()

	col := 0
	i := 0
	var before []byte
	var after []byte
	afterEnd := afterStart + afterLen
	prefixed := false

	for i < len(line) {
		if line[i] == '\x1b' {
			if cls, n := ClassifyLeadingSequence(line[i:]); cls != SeqNone {
				codeSeg := line[i : i+n]
				tracker.Consume(codeSeg)
				if col < beforeEnd {
					before = append(before, codeSeg...)
				} else if col >= afterStart && col < afterEnd {
					after = append(after, codeSeg...)
				}
				i += n
				continue
			}
		}
		g, size := nextGraphemeAt(line, i)
		w := ClusterWidth(g)

		if col < beforeEnd {
			if col+w > beforeEnd {
				// wide cluster straddling the boundary: stop before it
			} else {
				before = append(before, g...)
				seg.BeforeWidth += w
			}
		}
		if col >= afterStart && col < afterEnd {
			if !prefixed {
				after = append(after, []byte(tracker.ActiveCodes())...)
				prefixed = true
			}
			if col+w > afterEnd {
				// wide cluster straddling the boundary: drop it
			} else {
				after = append(after, g...)
				seg.AfterWidth += w
			}
		}
		col += w
		i += size
		if col >= afterEnd && col >= beforeEnd {
			break
		}
	}
	if !prefixed && afterLen > 0 {
		after = append([]byte(tracker.ActiveCodes()), after...)
	}
	seg.BeforeText = string(before)
	seg.AfterText = string(after)
	return seg
}

// IsImageLine reports whether s is an opaque inline-image escape line that
// must never be wrapped or composed into.
func IsImageLine(s string) bool {
	return containsAt(s, "\x1b_G") || containsAt(s, "\x1b]1337;File=")
}

func containsAt(s, sub string) bool {
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
