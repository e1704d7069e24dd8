package session

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, "/workspace/demo", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLeafTracking(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.AppendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock("hi")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e1.ParentID != nil {
		t.Fatalf("first entry should have no parent, got %v", *e1.ParentID)
	}
	if s.Leaf() != e1.ID {
		t.Fatalf("leaf = %q, want %q", s.Leaf(), e1.ID)
	}

	e2, err := s.AppendMessage(Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("hello")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e2.ParentID == nil || *e2.ParentID != e1.ID {
		t.Fatalf("e2 parent = %v, want %q", e2.ParentID, e1.ID)
	}
	if s.Leaf() != e2.ID {
		t.Fatalf("leaf = %q, want %q", s.Leaf(), e2.ID)
	}
}

func TestBranching(t *testing.T) {
	s := newTestStore(t)
	root, _ := s.AppendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock("root")}})
	branchA, _ := s.AppendMessage(Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("A")}})

	// Rewind to root and branch off in a different direction.
	if err := s.SetLeaf(root.ID); err != nil {
		t.Fatalf("SetLeaf: %v", err)
	}
	branchB, err := s.AppendMessage(Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("B")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if branchB.ParentID == nil || *branchB.ParentID != root.ID {
		t.Fatalf("branchB parent = %v, want %q", branchB.ParentID, root.ID)
	}

	// Both branches remain reachable; history was never rewritten.
	if _, ok := s.Entry(branchA.ID); !ok {
		t.Fatalf("branchA should still exist in the tree")
	}

	ctxA, err := s.DeriveContext(branchA.ID)
	if err != nil {
		t.Fatalf("derive A: %v", err)
	}
	ctxB, err := s.DeriveContext(branchB.ID)
	if err != nil {
		t.Fatalf("derive B: %v", err)
	}
	if len(ctxA.Messages) != 2 || ctxA.Messages[1].Text() != "A" {
		t.Fatalf("ctxA = %+v", ctxA.Messages)
	}
	if len(ctxB.Messages) != 2 || ctxB.Messages[1].Text() != "B" {
		t.Fatalf("ctxB = %+v", ctxB.Messages)
	}
}

// TestSessionRoundTrip checks that writing N entries then reopening the
// file yields the same ordered list by id, same leaf, and the same derived
// context.
func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "/workspace/demo", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var lastID string
	for i := 0; i < 5; i++ {
		e, err := s.AppendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock("msg")}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		lastID = e.ID
	}
	path := s.Path()
	wantCtx, err := s.DeriveContext(s.Leaf())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s.Close()

	reopened, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reopened.Close()

	if reopened.Leaf() != lastID {
		t.Fatalf("leaf after reload = %q, want %q", reopened.Leaf(), lastID)
	}
	if len(reopened.Entries()) != 5 {
		t.Fatalf("entries after reload = %d, want 5", len(reopened.Entries()))
	}
	gotCtx, err := reopened.DeriveContext(reopened.Leaf())
	if err != nil {
		t.Fatalf("derive reloaded: %v", err)
	}
	if len(gotCtx.Messages) != len(wantCtx.Messages) {
		t.Fatalf("derived context length changed: got %d want %d", len(gotCtx.Messages), len(wantCtx.Messages))
	}
}

func TestCompactionDerivesPrefixSummary(t *testing.T) {
	s := newTestStore(t)
	e1, _ := s.AppendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock("first")}})
	_, _ = s.AppendMessage(Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("ack")}})
	keep, _ := s.AppendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock("keep-me")}})

	_, err := s.Append(&SessionEntry{
		Type:             EntryTypeCompaction,
		Summary:          "summarized the early conversation",
		FirstKeptEntryID: keep.ID,
		TokensBefore:     1234,
	})
	if err != nil {
		t.Fatalf("append compaction: %v", err)
	}
	tail, _ := s.AppendMessage(Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("after compaction")}})

	ctx, err := s.DeriveContext(tail.ID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(ctx.Messages) != 3 {
		t.Fatalf("want 3 messages (summary, keep-me, after), got %d: %+v", len(ctx.Messages), ctx.Messages)
	}
	if ctx.Messages[0].Text() != "[Previous conversation summary]\nsummarized the early conversation" {
		t.Fatalf("unexpected summary message: %q", ctx.Messages[0].Text())
	}
	if ctx.Messages[1].Text() != "keep-me" {
		t.Fatalf("expected kept entry to survive, got %q", ctx.Messages[1].Text())
	}
	_ = e1
}

func TestMigrationIsFixedPoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.jsonl")
	writeRaw(t, path, `{"type":"session","id":"deadbeef","version":1,"timestamp":1000,"cwd":"/tmp"}
{"id":"","type":"message","timestampMs":1001,"parentId":null,"message":{"role":"user","content":[{"kind":"text","text":"hi"}],"timestamp":"0001-01-01T00:00:00Z"}}
`)

	s, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load v1: %v", err)
	}
	if s.Header().Version != SchemaVersion {
		t.Fatalf("version after migration = %d, want %d", s.Header().Version, SchemaVersion)
	}
	s.Close()

	reloaded, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load migrated: %v", err)
	}
	defer reloaded.Close()
	if reloaded.Header().Version != SchemaVersion {
		t.Fatalf("re-migrated version = %d, want %d", reloaded.Header().Version, SchemaVersion)
	}
	if len(reloaded.Entries()) != 1 {
		t.Fatalf("entries after re-load = %d, want 1", len(reloaded.Entries()))
	}
}

func TestFindCutPointNeverLandsOnToolResult(t *testing.T) {
	path := []*SessionEntry{
		{ID: "1", Type: EntryTypeMessage, Message: &Message{Role: RoleUser, Content: []ContentBlock{TextBlock("go")}}},
		{ID: "2", Type: EntryTypeMessage, Message: &Message{Role: RoleAssistant, Content: []ContentBlock{ToolCallBlock("tc1", "read", nil)}}},
		{ID: "3", Type: EntryTypeMessage, Message: &Message{Role: RoleToolResult, ToolCallID: "tc1", Content: []ContentBlock{TextBlock("file contents")}}},
		{ID: "4", Type: EntryTypeMessage, Message: &Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock("done")}}},
	}
	cp := FindCutPoint(path, 5, func(e *SessionEntry) int { return 3 }) // lands the raw boundary on the tool result
	if !isValidCutPoint(path[cp.Index]) {
		t.Fatalf("cut point landed on invalid entry: %+v", path[cp.Index])
	}
	if path[cp.Index].Type == EntryTypeMessage && path[cp.Index].Message.Role == RoleToolResult {
		t.Fatalf("cut point must never be a tool result")
	}
	if !cp.IsSplitTurn {
		t.Fatalf("expected IsSplitTurn=true when the raw boundary required snapping back")
	}
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}
