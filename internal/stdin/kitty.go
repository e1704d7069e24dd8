package stdin

import (
	"regexp"
	"strconv"
	"sync/atomic"
)

// kittyQuery requests the terminal's current keyboard-protocol flags; a
// reply of the form ESC[?<n>u confirms Kitty CSI-u support.
const kittyQuery = "\x1b[?u"

// kittyEnable pushes flags 7 — disambiguate escape codes (0x1), report event
// types (0x2) and report alternate keys (0x4) — onto the terminal's
// keyboard-protocol stack.
const kittyEnable = "\x1b[>7u"

// kittyDisable pops the flags pushed by kittyEnable.
const kittyDisable = "\x1b[<u"

var kittyReplyPattern = regexp.MustCompile(`^\x1b\[\?(\d+)u`)

// protocolActive records whether the terminal confirmed Kitty CSI-u support
// for this process. It is process-global because only one terminal session
// is ever attached to stdin at a time.
var protocolActive atomic.Bool

// KittyProtocolActive reports whether the Kitty keyboard protocol handshake
// succeeded.
func KittyProtocolActive() bool { return protocolActive.Load() }

// HandshakeQuery returns the bytes to write to stdout to probe for Kitty
// CSI-u support.
func HandshakeQuery() string { return kittyQuery }

// EnableSequence returns the bytes to write to stdout once the handshake
// confirms support, requesting full event reporting.
func EnableSequence() string { return kittyEnable }

// DisableSequence returns the bytes to write to stdout to restore the
// terminal's keyboard protocol on shutdown.
func DisableSequence() string { return kittyDisable }

// MatchKittyReply checks whether s begins with a Kitty keyboard-protocol
// query reply (ESC[?<n>u). On success it records protocol_active and
// returns the number of bytes consumed.
func MatchKittyReply(s string) (consumed int, matched bool) {
	loc := kittyReplyPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return 0, false
	}
	if _, err := strconv.Atoi(s[loc[2]:loc[3]]); err != nil {
		return 0, false
	}
	protocolActive.Store(true)
	return loc[1], true
}

// ResetProtocolState clears the recorded handshake result; used when
// reattaching to a new terminal (e.g. after a SIGCONT from suspend).
func ResetProtocolState() { protocolActive.Store(false) }
