package session

import "fmt"

// Context is the derived, LLM-consumable view of a branch: a flattened
// message list plus the thinking level and model in effect at the leaf it
// was built from.
type Context struct {
	Messages      []Message
	ThinkingLevel string
	Provider      string
	ModelID       string
}

// DeriveContext walks leaf->root via ParentID links, reverses to root->leaf
// order, and flattens the path into a Context following this derivation
// policy:
//
//   - the most recent compaction on the path determines the cut: everything
//     before it collapses into one synthetic user message carrying the
//     compaction summary, and only entries at-or-after FirstKeptEntryID
//     (plus anything after the compaction) survive;
//   - branch_summary entries become synthetic "[Branch summary: ...]" user
//     messages;
//   - custom_message entries with Display=true are included; custom entries
//     never are;
//   - model_change/thinking_level_change entries are tracked across the
//     FULL path (not just the kept suffix), since they describe branch
//     state rather than conversation content.
func (s *Store) DeriveContext(leafID string) (Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.pathToRootLocked(leafID)
	if err != nil {
		return Context{}, err
	}

	ctx := Context{}
	for _, e := range path {
		switch e.Type {
		case EntryTypeModelChange:
			ctx.Provider, ctx.ModelID = e.Provider, e.ModelID
		case EntryTypeThinkingLevelChange:
			ctx.ThinkingLevel = e.Level
		}
	}

	lastCompactionIdx := -1
	for i, e := range path {
		if e.Type == EntryTypeCompaction {
			lastCompactionIdx = i
		}
	}

	cutFrom := 0
	var prefix *Message
	if lastCompactionIdx >= 0 {
		comp := path[lastCompactionIdx]
		cutFrom = len(path) // default: nothing kept if id not found
		for i, e := range path {
			if e.ID == comp.FirstKeptEntryID {
				cutFrom = i
				break
			}
		}
		m := Message{Role: RoleUser, Content: []ContentBlock{TextBlock("[Previous conversation summary]\n" + comp.Summary)}}
		prefix = &m
	}

	if prefix != nil {
		ctx.Messages = append(ctx.Messages, *prefix)
	}

	for i := cutFrom; i < len(path); i++ {
		e := path[i]
		if lastCompactionIdx >= 0 && i == lastCompactionIdx {
			continue // the compaction entry itself never becomes a message
		}
		switch e.Type {
		case EntryTypeMessage:
			if e.Message != nil {
				ctx.Messages = append(ctx.Messages, *e.Message)
			}
		case EntryTypeBranchSummary:
			ctx.Messages = append(ctx.Messages, Message{
				Role:    RoleUser,
				Content: []ContentBlock{TextBlock(fmt.Sprintf("[Branch summary: %s]", e.Summary))},
			})
		case EntryTypeCustomMessage:
			if e.Display {
				ctx.Messages = append(ctx.Messages, Message{
					Role:        RoleCustom,
					Content:     e.Content,
					KindTag:     e.CustomKind,
					DisplayInUI: true,
				})
			}
		case EntryTypeCompaction:
			// An older compaction inside the kept suffix: metadata only,
			// never itself becomes a message.
		}
	}

	return ctx, nil
}

// PathToRoot returns entries from root to leafID, inclusive, in the same
// order DeriveContext walks them. Exposed for callers (the session
// controller) that need to run their own analysis over the raw path, such
// as locating a compaction cut point before summarizing.
func (s *Store) PathToRoot(leafID string) ([]*SessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathToRootLocked(leafID)
}

// pathToRootLocked returns entries from root to leafID, inclusive. Callers
// must hold s.mu.
func (s *Store) pathToRootLocked(leafID string) ([]*SessionEntry, error) {
	if leafID == "" {
		return nil, nil
	}
	var reversed []*SessionEntry
	id := leafID
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("cycle detected in session tree at entry %q", id)
		}
		seen[id] = true
		e, ok := s.byID[id]
		if !ok {
			return nil, fmt.Errorf("dangling parent reference %q", id)
		}
		reversed = append(reversed, e)
		if e.ParentID == nil {
			break
		}
		id = *e.ParentID
	}
	// reverse in place
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed, nil
}

// ResolveLabel looks up a label's target by id lookup in the full entry map
// (not the derived linear context) — labels are a tree-level index,
// independent of context derivation, so a label pinned at or before the
// most recent compaction's cut still resolves.
func (s *Store) ResolveLabel(targetID string) (*SessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[targetID]
	return e, ok
}
