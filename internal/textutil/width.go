package textutil

import (
	"sync"
	"unicode"

	"github.com/rivo/uniseg"
)

// emojiRanges are codepoint ranges treated as width-2 even as a single
// codepoint cluster.
var emojiRanges = [][2]rune{
	{0x1F000, 0x1FBFF},
	{0x2300, 0x23FF},
	{0x2600, 0x27BF},
	{0x2B00, 0x2BFF},
	{0x1F1E6, 0x1F1FF}, // regional indicators
}

func inEmojiRange(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// isCombiningFormat reports whether r belongs to a Unicode category that
// contributes zero width to a grapheme cluster: combining marks (Mn, Me),
// format characters (Cf), or control characters (Cc).
func isCombiningFormat(r rune) bool {
	return unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Me, r) ||
		unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Cc, r)
}

// clusterWidth computes the visible column width of a single grapheme
// cluster.
func clusterWidth(cluster string) int {
	runes := []rune(cluster)
	if len(runes) == 0 {
		return 0
	}
	if len(runes) == 1 && isCombiningFormat(runes[0]) {
		return 0
	}
	// Multi-codepoint clusters (ZWJ sequences, flag sequences, keycaps,
	// variation-selector-16 emoji presentation) are emoji-width.
	if len(runes) > 1 {
		return 2
	}
	r := runes[0]
	if inEmojiRange(r) {
		return 2
	}
	return uniseg.StringWidth(cluster)
}

type widthCacheEntry struct {
	width int
}

const widthCacheCap = 512

// widthCache is a small cache over previously measured (ANSI-stripped)
// strings; when full it evicts the oldest insertion (lookups do not refresh
// an entry's position).
type widthCache struct {
	mu    sync.Mutex
	order []string
	m     map[string]widthCacheEntry
}

var globalWidthCache = &widthCache{m: make(map[string]widthCacheEntry)}

func (c *widthCache) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return 0, false
	}
	return e.width, true
}

func (c *widthCache) put(key string, width int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[key]; !exists {
		if len(c.order) >= widthCacheCap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.m, oldest)
		}
		c.order = append(c.order, key)
	}
	c.m[key] = widthCacheEntry{width: width}
}

// VisibleWidth returns the number of terminal columns s occupies once ANSI
// escapes are stripped, tabs are expanded, and grapheme clusters are
// measured.
func VisibleWidth(s string) int {
	if w, ok := globalWidthCache.get(s); ok {
		return w
	}
	stripped := ExpandTabs(StripANSI(s))
	total := 0
	state := -1
	str := stripped
	for len(str) > 0 {
		cluster, rest, _, newState := uniseg.FirstGraphemeClusterInString(str, state)
		total += clusterWidth(cluster)
		str = rest
		state = newState
	}
	globalWidthCache.put(s, total)
	return total
}

// Graphemes splits s into grapheme clusters without stripping ANSI, for
// callers (wrap/slice) that need to walk raw text alongside escape codes.
func Graphemes(s string) []string {
	var out []string
	state := -1
	str := s
	for len(str) > 0 {
		cluster, rest, _, newState := uniseg.FirstGraphemeClusterInString(str, state)
		out = append(out, cluster)
		str = rest
		state = newState
	}
	return out
}

// ClusterWidth exposes clusterWidth for callers outside this package that
// already have an isolated grapheme cluster (e.g. the wrap/slice walkers).
func ClusterWidth(cluster string) int { return clusterWidth(cluster) }
