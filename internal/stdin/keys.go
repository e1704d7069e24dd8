package stdin

import (
	"strconv"
	"strings"
)

// KeyEventType distinguishes Kitty's press/repeat/release disambiguation.
type KeyEventType int

const (
	KeyPress KeyEventType = iota
	KeyRepeat
	KeyRelease
)

// Key is a decoded keyboard input: modifiers plus either a named special or
// a literal rune.
type Key struct {
	Ctrl, Alt, Shift bool
	Name             string // one of the named specials, or "" if Rune is set
	Rune             rune
	Event            KeyEventType
}

var namedSpecials = map[string]bool{
	"escape": true, "tab": true, "enter": true, "space": true,
	"backspace": true, "delete": true, "insert": true, "home": true, "end": true,
	"pageUp": true, "pageDown": true, "up": true, "down": true, "left": true, "right": true,
	"clear": true,
}

func init() {
	for i := 1; i <= 12; i++ {
		namedSpecials["f"+strconv.Itoa(i)] = true
	}
}

var symbolSet = map[rune]bool{
	'`': true, '-': true, '=': true, '[': true, ']': true, '\\': true,
	';': true, '\'': true, ',': true, '.': true, '/': true,
}

// ParseKeyID parses an identifier of the form "[ctrl+][alt+][shift+]<key>".
// Returns ok=false if the identifier's key component is not recognized.
func ParseKeyID(id string) (Key, bool) {
	parts := strings.Split(id, "+")
	if len(parts) == 0 {
		return Key{}, false
	}
	var k Key
	keyPart := parts[len(parts)-1]
	for _, mod := range parts[:len(parts)-1] {
		switch mod {
		case "ctrl":
			k.Ctrl = true
		case "alt":
			k.Alt = true
		case "shift":
			k.Shift = true
		default:
			return Key{}, false
		}
	}
	if namedSpecials[keyPart] {
		k.Name = keyPart
		return k, true
	}
	if len(keyPart) == 1 {
		r := rune(keyPart[0])
		if r >= 'a' && r <= 'z' || symbolSet[r] {
			k.Rune = r
			return k, true
		}
	}
	return Key{}, false
}

// KeyID renders a Key back into its canonical "[ctrl+][alt+][shift+]<key>"
// identifier string, the inverse of ParseKeyID.
func (k Key) KeyID() string {
	var b strings.Builder
	if k.Ctrl {
		b.WriteString("ctrl+")
	}
	if k.Alt {
		b.WriteString("alt+")
	}
	if k.Shift {
		b.WriteString("shift+")
	}
	if k.Name != "" {
		b.WriteString(k.Name)
	} else {
		b.WriteRune(k.Rune)
	}
	return b.String()
}

// MatchesKey reports whether the raw sequence data corresponds to the named
// key identifier id, trying Kitty CSI-u decoding first, then the legacy
// table.
func MatchesKey(data string, id string) bool {
	want, ok := ParseKeyID(id)
	if !ok {
		return false
	}
	if k, ok := DecodeKittyCSIu(data); ok {
		return keysEqual(k, want)
	}
	if k, ok := DecodeLegacy(data); ok {
		return keysEqual(k, want)
	}
	return false
}

func keysEqual(a, b Key) bool {
	return a.Ctrl == b.Ctrl && a.Alt == b.Alt && a.Shift == b.Shift &&
		a.Name == b.Name && a.Rune == b.Rune
}

// legacyTable maps legacy escape sequences to keys. Arrow keys, their
// shifted/ctrl SS3 variants, and the common VT sequences.
var legacyTable = map[string]Key{
	"\x1b[A": {Name: "up"}, "\x1b[B": {Name: "down"}, "\x1b[C": {Name: "right"}, "\x1b[D": {Name: "left"},
	"\x1bOA": {Name: "up"}, "\x1bOB": {Name: "down"}, "\x1bOC": {Name: "right"}, "\x1bOD": {Name: "left"},
	"\x1b[a": {Name: "up", Shift: true}, "\x1b[b": {Name: "down", Shift: true},
	"\x1b[c": {Name: "right", Shift: true}, "\x1b[d": {Name: "left", Shift: true},
	"\x1b[H": {Name: "home"}, "\x1b[F": {Name: "end"},
	"\x1b[1~": {Name: "home"}, "\x1b[4~": {Name: "end"},
	"\x1b[2~": {Name: "insert"}, "\x1b[3~": {Name: "delete"},
	"\x1b[5~": {Name: "pageUp"}, "\x1b[6~": {Name: "pageDown"},
	"\x1b[E": {Name: "clear"},
	"\x1b":    {Name: "escape"},
	"\t":      {Name: "tab"},
	"\r":      {Name: "enter"},
	"\n":      {Name: "enter"},
	" ":       {Name: "space"},
	"\x7f":    {Name: "backspace"},
	"\x08":    {Name: "backspace"},
}

func init() {
	for i := 1; i <= 12; i++ {
		// xterm: F1-F4 are SS3, F5+ are CSI ~ with distinct codes.
		ss3 := map[int]string{1: "P", 2: "Q", 3: "R", 4: "S"}
		if code, ok := ss3[i]; ok {
			legacyTable["\x1bO"+code] = Key{Name: "f" + strconv.Itoa(i)}
		}
	}
	csiTilde := map[string]int{
		"\x1b[15~": 5, "\x1b[17~": 6, "\x1b[18~": 7, "\x1b[19~": 8,
		"\x1b[20~": 9, "\x1b[21~": 10, "\x1b[23~": 11, "\x1b[24~": 12,
	}
	for seq, n := range csiTilde {
		legacyTable[seq] = Key{Name: "f" + strconv.Itoa(n)}
	}
}

// DecodeLegacy decodes a legacy escape sequence or single byte into a Key.
func DecodeLegacy(data string) (Key, bool) {
	if k, ok := legacyTable[data]; ok {
		return k, true
	}
	// ctrl-letter as byte 1..26
	if len(data) == 1 {
		b := data[0]
		if b >= 1 && b <= 26 {
			return Key{Ctrl: true, Rune: rune('a' + b - 1)}, true
		}
		if b >= 0x20 && b < 0x7f {
			r := rune(b)
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || symbolSet[r] {
				shift := r >= 'A' && r <= 'Z'
				if shift {
					r = r - 'A' + 'a'
				}
				return Key{Shift: shift, Rune: r}, true
			}
		}
	}
	// alt-letter as ESC<letter>
	if len(data) == 2 && data[0] == '\x1b' {
		r := rune(data[1])
		if r >= 'a' && r <= 'z' || symbolSet[r] {
			return Key{Alt: true, Rune: r}, true
		}
	}
	return Key{}, false
}

// DecodeKittyCSIu decodes the Kitty keyboard protocol's CSI-u form and its
// arrow/function/home-end variants.
func DecodeKittyCSIu(data string) (Key, bool) {
	if len(data) < 3 || data[0] != '\x1b' || data[1] != '[' {
		return Key{}, false
	}
	body := data[2:]
	if len(body) == 0 {
		return Key{}, false
	}
	last := body[len(body)-1]

	switch last {
	case 'A', 'B', 'C', 'D':
		return decodeKittyArrow(body, last)
	case 'H', 'F':
		return decodeKittyHomeEnd(body, last)
	case '~':
		return decodeKittyFunction(body)
	case 'u':
		return decodeKittyUnicode(body[:len(body)-1])
	}
	return Key{}, false
}

func decodeKittyArrow(body string, last byte) (Key, bool) {
	arrowNames := map[byte]string{'A': "up", 'B': "down", 'C': "right", 'D': "left"}
	params := body[:len(body)-1]
	// Expect form "1;<mod>"
	parts := strings.Split(params, ";")
	mod := 1
	if len(parts) >= 2 {
		mod, _ = strconv.Atoi(strings.Split(parts[1], ":")[0])
	} else if params != "" && params != "1" {
		return Key{}, false
	}
	k := modFromKitty(mod)
	k.Name = arrowNames[last]
	return k, true
}

func decodeKittyHomeEnd(body string, last byte) (Key, bool) {
	names := map[byte]string{'H': "home", 'F': "end"}
	params := body[:len(body)-1]
	parts := strings.Split(params, ";")
	mod := 1
	if len(parts) >= 2 {
		mod, _ = strconv.Atoi(strings.Split(parts[1], ":")[0])
	}
	k := modFromKitty(mod)
	k.Name = names[last]
	return k, true
}

var kittyFuncCodes = map[int]string{
	2: "insert", 3: "delete", 5: "pageUp", 6: "pageDown",
	15: "f5", 17: "f6", 18: "f7", 19: "f8", 20: "f9", 21: "f10", 23: "f11", 24: "f12",
}

func decodeKittyFunction(body string) (Key, bool) {
	params := body[:len(body)-1]
	parts := strings.Split(params, ";")
	n, err := strconv.Atoi(strings.Split(parts[0], ":")[0])
	if err != nil {
		return Key{}, false
	}
	name, ok := kittyFuncCodes[n]
	if !ok {
		return Key{}, false
	}
	mod := 1
	event := 1
	if len(parts) >= 2 {
		sub := strings.Split(parts[1], ":")
		mod, _ = strconv.Atoi(sub[0])
		if len(sub) >= 2 {
			event, _ = strconv.Atoi(sub[1])
		}
	}
	k := modFromKitty(mod)
	k.Name = name
	k.Event = eventFromKitty(event)
	return k, true
}

// decodeKittyUnicode decodes "cp[:shifted][:base];mod[:event]" forms.
func decodeKittyUnicode(params string) (Key, bool) {
	segs := strings.Split(params, ";")
	cpSeg := strings.Split(segs[0], ":")
	cp, err := strconv.Atoi(cpSeg[0])
	if err != nil {
		return Key{}, false
	}
	mod := 1
	event := 1
	if len(segs) >= 2 {
		modSeg := strings.Split(segs[1], ":")
		mod, _ = strconv.Atoi(modSeg[0])
		if len(modSeg) >= 2 {
			event, _ = strconv.Atoi(modSeg[1])
		}
	}
	k := modFromKitty(mod)
	k.Event = eventFromKitty(event)
	r := rune(cp)
	switch r {
	case 27:
		k.Name = "escape"
	case '\t':
		k.Name = "tab"
	case '\r', '\n':
		k.Name = "enter"
	case ' ':
		k.Name = "space"
	case 127:
		k.Name = "backspace"
	default:
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		k.Rune = r
	}
	return k, true
}

// modFromKitty decodes the Kitty modifier bitmask: the wire value is
// (1 + bits), bit0=shift, bit1=alt, bit2=ctrl.
func modFromKitty(mod int) Key {
	bits := mod - 1
	return Key{
		Shift: bits&1 != 0,
		Alt:   bits&2 != 0,
		Ctrl:  bits&4 != 0,
	}
}

func eventFromKitty(n int) KeyEventType {
	switch n {
	case 2:
		return KeyRepeat
	case 3:
		return KeyRelease
	default:
		return KeyPress
	}
}
