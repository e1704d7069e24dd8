package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// Store owns one session's on-disk JSONL journal plus its in-memory tree:
// the entry list and id index, the "current leaf", and the
// append/fork/migrate operations. Methods lock an internal mutex, so one
// Store may be shared between goroutines; there is no cross-process locking
// of the journal file.
type Store struct {
	mu sync.RWMutex

	path   string
	header Header

	entries []*SessionEntry
	byID    map[string]*SessionEntry
	leafID  string

	file   *os.File
	logger *zap.Logger
}

// SessionsDirFor computes the per-cwd sessions directory: cwd is escaped
// into a single filename segment by replacing path separators with dashes
// and wrapping in "--...--".
func SessionsDirFor(sessionsRoot, cwd string) string {
	escaped := strings.ReplaceAll(strings.Trim(cwd, string(filepath.Separator)), string(filepath.Separator), "-")
	return filepath.Join(sessionsRoot, "--"+escaped+"--")
}

// New creates a brand-new session file under dir for the given cwd.
func New(dir, cwd string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("create sessions dir", err)
	}

	existing, err := existingIDs(dir)
	if err != nil {
		return nil, err
	}
	id := NewSessionID(existing)

	hdr := Header{
		Type:      "session",
		ID:        id,
		Version:   SchemaVersion,
		Timestamp: time.Now().UnixMilli(),
		Cwd:       cwd,
	}

	path := filepath.Join(dir, id+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("create session file", err)
	}

	s := &Store{
		path:    path,
		header:  hdr,
		entries: nil,
		byID:    make(map[string]*SessionEntry),
		file:    f,
		logger:  logger,
	}
	if err := s.writeLine(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func existingIDs(dir string) (map[string]bool, error) {
	ids := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("list sessions dir", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			ids[strings.TrimSuffix(e.Name(), ".jsonl")] = true
		}
	}
	return ids, nil
}

// Load opens an existing session file, parses its header and entries, runs
// pending migrations (rewriting the file atomically if any fired), and
// leaves the leaf at the last entry in file order.
func Load(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("read session file", err)
	}

	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, apperrors.NewCorruptJournalError("empty session file", nil)
	}

	var hdr Header
	if err := json.Unmarshal(lines[0], &hdr); err != nil {
		return nil, apperrors.NewCorruptJournalError("invalid session header", err)
	}

	entries := make([]*SessionEntry, 0, len(lines)-1)
	byID := make(map[string]*SessionEntry, len(lines)-1)
	for _, line := range lines[1:] {
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e SessionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, apperrors.NewCorruptJournalError("invalid session entry", err)
		}
		entries = append(entries, &e)
		byID[e.ID] = &e
	}

	leaf := ""
	if len(entries) > 0 {
		leaf = entries[len(entries)-1].ID
	}

	s := &Store{
		path:    path,
		header:  hdr,
		entries: entries,
		byID:    byID,
		leafID:  leaf,
		logger:  logger,
	}

	migrated, err := s.runMigrations()
	if err != nil {
		return nil, err
	}
	if migrated {
		if err := s.rewriteFile(); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("reopen session file", err)
	}
	s.file = f
	return s, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	for _, l := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, []byte(l))
	}
	return lines
}

func (s *Store) writeLine(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("marshal session line", err)
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		// Storage error: logged, does not crash the caller.
		s.logger.Error("session journal write failed", zap.Error(err), zap.String("path", s.path))
		return apperrors.NewInternalErrorWithCause("write session line", err)
	}
	return s.file.Sync()
}

// Path returns the session file's absolute path.
func (s *Store) Path() string { return s.path }

// Header returns a copy of the session header.
func (s *Store) Header() Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// Leaf returns the current leaf entry id ("" if the tree is empty).
func (s *Store) Leaf() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafID
}

// SetLeaf moves the current position to an existing entry id, without
// rewriting history — new appends link off this leaf, producing a branch.
func (s *Store) SetLeaf(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.byID[id]; !ok {
			return apperrors.NewNotFoundError(fmt.Sprintf("entry %q not found", id))
		}
	}
	s.leafID = id
	return nil
}

// Entry looks up an entry by id.
func (s *Store) Entry(id string) (*SessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Entries returns every entry in file (append) order. The returned slice
// must not be mutated by the caller.
func (s *Store) Entries() []*SessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// Append constructs a new entry linked off the current leaf, writes it, and
// moves the leaf to it. The entry's ID and ParentID fields are set here;
// callers populate the type-specific fields before calling Append.
func (s *Store) Append(e *SessionEntry) (*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = NewEntryID(s.byID)
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}
	if s.leafID != "" {
		parent := s.leafID
		e.ParentID = &parent
	} else {
		e.ParentID = nil
	}

	if err := s.writeLine(e); err != nil {
		return nil, err
	}

	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	s.leafID = e.ID
	return e, nil
}

// AppendMessage is a convenience wrapper for the common "message" entry
// type.
func (s *Store) AppendMessage(msg Message) (*SessionEntry, error) {
	return s.Append(&SessionEntry{Type: EntryTypeMessage, Message: &msg})
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// rewriteFile atomically replaces the on-disk journal with the in-memory
// header + entries (used by migrations: the file must be rewritten
// atomically when triggered).
func (s *Store) rewriteFile() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("open migration tmp file", err)
	}

	w := bufio.NewWriter(f)
	hb, err := json.Marshal(s.header)
	if err != nil {
		f.Close()
		return apperrors.NewInternalErrorWithCause("marshal migrated header", err)
	}
	if _, err := w.Write(append(hb, '\n')); err != nil {
		f.Close()
		return apperrors.NewInternalErrorWithCause("write migrated header", err)
	}
	for _, e := range s.entries {
		eb, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return apperrors.NewInternalErrorWithCause("marshal migrated entry", err)
		}
		if _, err := w.Write(append(eb, '\n')); err != nil {
			f.Close()
			return apperrors.NewInternalErrorWithCause("write migrated entry", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return apperrors.NewInternalErrorWithCause("flush migrated file", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.NewInternalErrorWithCause("close migrated tmp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperrors.NewInternalErrorWithCause("rename migrated file", err)
	}

	reopened, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("reopen migrated file", err)
	}
	s.file = reopened
	return nil
}
