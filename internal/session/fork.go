package session

import (
	"os"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// Fork copies src's entries into a brand-new session file under dir, whose
// header's ParentSession references src's path. The new store's leaf
// tracks the last copied entry — i.e. the whole tree is duplicated, not
// just the active branch, so forked sessions can still navigate to any
// prior leaf.
func Fork(src *Store, dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	src.mu.RLock()
	srcCwd := src.header.Cwd
	srcPath := src.path
	srcEntries := make([]*SessionEntry, len(src.entries))
	for i, e := range src.entries {
		cp := *e
		srcEntries[i] = &cp
	}
	src.mu.RUnlock()

	existing, err := existingIDs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("create fork sessions dir", err)
	}

	newStore, err := New(dir, srcCwd, logger)
	if err != nil {
		return nil, err
	}
	newStore.header.ParentSession = srcPath
	_ = existing // id already allocated uniquely by New

	// Overwrite the header line now that ParentSession is set.
	newStore.mu.Lock()
	if err := newStore.rewriteHeaderLocked(); err != nil {
		newStore.mu.Unlock()
		return nil, err
	}
	newStore.mu.Unlock()

	byID := make(map[string]string) // src id -> copied id, preserving tree shape
	var leaf string
	for _, e := range srcEntries {
		cp := *e
		origID := cp.ID
		cp.ID = ""
		if cp.ParentID != nil {
			if mapped, ok := byID[*cp.ParentID]; ok {
				cp.ParentID = &mapped
			}
		}
		newStore.mu.Lock()
		cp.ID = NewEntryID(newStore.byID)
		if err := newStore.writeLine(&cp); err != nil {
			newStore.mu.Unlock()
			return nil, err
		}
		newStore.entries = append(newStore.entries, &cp)
		newStore.byID[cp.ID] = &cp
		newStore.leafID = cp.ID
		newStore.mu.Unlock()
		byID[origID] = cp.ID
		leaf = cp.ID
	}
	_ = leaf
	return newStore, nil
}

// rewriteHeaderLocked rewrites the whole file to reflect an in-memory
// header change (used once, right after Fork sets ParentSession). Callers
// must hold s.mu.
func (s *Store) rewriteHeaderLocked() error {
	return s.rewriteFile()
}

