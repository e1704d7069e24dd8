package session

// runMigrations upgrades s.header/s.entries in place from whatever version
// is on disk to SchemaVersion, and reports whether anything changed (the
// caller rewrites the file only when migrated is true). Migrations are a
// fixed point: a current-version file runs through untouched.
func (s *Store) runMigrations() (migrated bool, err error) {
	if s.header.Version <= 0 {
		s.header.Version = 1
	}

	if s.header.Version < 2 {
		s.migrateV1ToV2()
		s.header.Version = 2
		migrated = true
	}
	if s.header.Version < 3 {
		s.migrateV2ToV3()
		s.header.Version = 3
		migrated = true
	}
	return migrated, nil
}

// migrateV1ToV2 assigns ids/parentIds to a v1 file, which persisted entries
// as a flat append-only list with no tree fields, and converts a legacy
// first_kept_entry_index (position in that list) on compaction entries into
// first_kept_entry_id.
func (s *Store) migrateV1ToV2() {
	var prevID string
	for _, e := range s.entries {
		if e.ID == "" {
			e.ID = NewEntryID(s.byID)
		}
		if prevID != "" && e.ParentID == nil {
			p := prevID
			e.ParentID = &p
		}
		s.byID[e.ID] = e
		prevID = e.ID
	}
	if len(s.entries) > 0 {
		s.leafID = s.entries[len(s.entries)-1].ID
	}

	if s.header.FirstKeptEntryIndex != nil {
		idx := *s.header.FirstKeptEntryIndex
		for _, e := range s.entries {
			if e.Type == EntryTypeCompaction && e.FirstKeptEntryID == "" {
				if idx >= 0 && idx < len(s.entries) {
					e.FirstKeptEntryID = s.entries[idx].ID
				}
			}
		}
		s.header.FirstKeptEntryIndex = nil
	}
}

// legacyToolRole was the v2 role tag for tool-result messages, renamed to
// RoleToolResult in v3 to match the Message sum type's other arms.
const legacyToolRole MessageRole = "tool"

// migrateV2ToV3 renames the legacy "tool" role to "toolResult".
func (s *Store) migrateV2ToV3() {
	for _, e := range s.entries {
		if e.Type == EntryTypeMessage && e.Message != nil && e.Message.Role == legacyToolRole {
			e.Message.Role = RoleToolResult
		}
	}
}
