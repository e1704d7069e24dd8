// Package imageproto implements inline image display for the terminal:
// dimension decoding, Kitty graphics and iTerm2 inline encoding, and
// capability detection.
package imageproto

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/muesli/termenv"
)

// Protocol identifies which inline image transport a terminal supports.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolKitty
	ProtocolITerm2
)

// Capability is the detected terminal image/color support, cached and
// refreshable on demand.
type Capability struct {
	Protocol   Protocol
	TrueColor  bool
	CellWidth  int // px
	CellHeight int // px
}

var (
	capMu    sync.Mutex
	capCache *Capability
)

// Detect inspects the environment to classify the attached terminal's image
// protocol and truecolor support. Results are cached; call Refresh to force
// re-detection (e.g. after a terminal multiplexer reattachment).
func Detect() Capability {
	capMu.Lock()
	defer capMu.Unlock()
	if capCache != nil {
		return *capCache
	}
	c := detect()
	capCache = &c
	return c
}

// Refresh forces re-detection on the next Detect call.
func Refresh() {
	capMu.Lock()
	defer capMu.Unlock()
	capCache = nil
}

func detect() Capability {
	c := Capability{CellWidth: 9, CellHeight: 18}

	termProgram := os.Getenv("TERM_PROGRAM")
	switch {
	case os.Getenv("KITTY_WINDOW_ID") != "",
		termProgram == "kitty", termProgram == "ghostty", termProgram == "WezTerm",
		os.Getenv("GHOSTTY_RESOURCES_DIR") != "", os.Getenv("WEZTERM_PANE") != "":
		c.Protocol = ProtocolKitty
	case os.Getenv("ITERM_SESSION_ID") != "", termProgram == "iTerm.app":
		c.Protocol = ProtocolITerm2
	default:
		c.Protocol = ProtocolNone
	}

	switch os.Getenv("COLORTERM") {
	case "truecolor", "24bit":
		c.TrueColor = true
	default:
		c.TrueColor = termenv.ColorProfile() == termenv.TrueColor
	}

	return c
}

var cellSizeReply = regexp.MustCompile(`\x1b\[6;(\d+);(\d+)t`)

// ParseCellSizeReply parses a terminal's reply to the ESC[16t cell-size
// query (ESC[6;H;Wt) into pixel height and width. Called on first render
// after start.
func ParseCellSizeReply(reply string) (heightPx, widthPx int, ok bool) {
	m := cellSizeReply.FindStringSubmatch(reply)
	if m == nil {
		return 0, 0, false
	}
	h, errH := strconv.Atoi(m[1])
	w, errW := strconv.Atoi(m[2])
	if errH != nil || errW != nil {
		return 0, 0, false
	}
	return h, w, true
}

// CellSizeQuery is the escape sequence requesting the terminal's cell
// dimensions in pixels.
const CellSizeQuery = "\x1b[16t"

// QueryTimeout bounds how long the caller should wait for a cell-size reply
// before falling back to the Capability's default (9, 18).
const QueryTimeout = 200 * time.Millisecond

// ApplyCellSize updates c in place from a successful ParseCellSizeReply.
func (c *Capability) ApplyCellSize(heightPx, widthPx int) {
	if heightPx > 0 && widthPx > 0 {
		c.CellHeight = heightPx
		c.CellWidth = widthPx
	}
}

// Rows computes the number of terminal rows an image should occupy for a
// requested column width.
func Rows(imgHPx, imgWPx, targetCols, cellWPx, cellHPx int) int {
	if imgWPx <= 0 || cellHPx <= 0 {
		return 1
	}
	scaledH := float64(imgHPx) * (float64(targetCols) * float64(cellWPx) / float64(imgWPx))
	rows := int(scaledH / float64(cellHPx))
	if scaledH > float64(rows)*float64(cellHPx) {
		rows++
	}
	if rows < 1 {
		rows = 1
	}
	return rows
}

// FallbackText renders the "image protocol unsupported" line.
func FallbackText(filename, mime string, w, h int) string {
	return fmt.Sprintf("[Image: %s [%s] %dx%d]", filename, mime, w, h)
}
