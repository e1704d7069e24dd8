package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewEntryID generates an 8-hex-digit entry id by truncating a UUID4,
// collision-checked against ids already taken in the tree of entries.
func NewEntryID(taken map[string]*SessionEntry) string {
	for {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		if _, exists := taken[id]; !exists {
			return id
		}
	}
}

// NewSessionID generates the session header's own 8-hex id, with the same
// collision-avoidance contract as NewEntryID but against a set of already
// allocated header ids rather than a single tree.
func NewSessionID(taken map[string]bool) string {
	for {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		if !taken[id] {
			return id
		}
	}
}
