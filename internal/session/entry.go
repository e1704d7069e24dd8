// Package session implements the append-only, tree-shaped conversation
// journal: one JSONL file per session, entries linked by parent_id, a
// movable leaf pointer, schema migration, and derivation of a linear LLM
// context from any leaf.
package session

import (
	"time"
)

// SchemaVersion is the current on-disk session header version.
const SchemaVersion = 3

// EntryType discriminates the SessionEntry sum type.
type EntryType string

const (
	EntryTypeSession              EntryType = "session"
	EntryTypeMessage               EntryType = "message"
	EntryTypeCompaction            EntryType = "compaction"
	EntryTypeBranchSummary         EntryType = "branch_summary"
	EntryTypeModelChange           EntryType = "model_change"
	EntryTypeThinkingLevelChange   EntryType = "thinking_level_change"
	EntryTypeCustomMessage         EntryType = "custom_message"
	EntryTypeCustom                EntryType = "custom"
	EntryTypeSessionInfo           EntryType = "session_info"
	EntryTypeLabel                 EntryType = "label"
)

// MessageRole identifies which arm of the Message sum type an entry's
// payload holds.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "toolResult"
	RoleCustom     MessageRole = "custom"
)

// StopReason enumerates why an Assistant turn ended.
type StopReason string

const (
	StopReasonStop     StopReason = "stop"
	StopReasonError    StopReason = "error"
	StopReasonAborted  StopReason = "aborted"
	StopReasonLength   StopReason = "length"
	StopReasonToolUse  StopReason = "tool_use"
)

// ContentBlock is a tagged union of the block kinds a Message's content can
// carry: text, thinking, tool-call, or image.
type ContentBlock struct {
	Kind string `json:"kind"` // "text" | "thinking" | "tool_call" | "image"

	// TextBlock / ThinkingBlock
	Text string `json:"text,omitempty"`

	// ToolCallBlock
	ToolCallID   string                 `json:"toolCallId,omitempty"`
	ToolName     string                 `json:"toolName,omitempty"`
	ToolArgs     map[string]interface{} `json:"toolArgs,omitempty"`

	// ImageBlock
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

func TextBlock(text string) ContentBlock     { return ContentBlock{Kind: "text", Text: text} }
func ThinkingBlock(text string) ContentBlock { return ContentBlock{Kind: "thinking", Text: text} }
func ImageBlock(mime, data string) ContentBlock {
	return ContentBlock{Kind: "image", MimeType: mime, Data: data}
}
func ToolCallBlock(id, name string, args map[string]interface{}) ContentBlock {
	return ContentBlock{Kind: "tool_call", ToolCallID: id, ToolName: name, ToolArgs: args}
}

// Usage carries token accounting for an Assistant message.
type Usage struct {
	InputTokens      int `json:"inputTokens,omitempty"`
	OutputTokens     int `json:"outputTokens,omitempty"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
}

// Message is the sum type carried by "message" entries, and the unit the
// agent loop and LLM adapter exchange.
type Message struct {
	Role      MessageRole    `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`

	// Assistant-only.
	Provider     string     `json:"provider,omitempty"`
	ModelID      string     `json:"modelId,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	StopReason   StopReason `json:"stopReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	// ToolResult-only.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	Details    string `json:"details,omitempty"`

	// Custom-only.
	KindTag     string `json:"kindTag,omitempty"`
	DisplayInUI bool   `json:"displayInUi,omitempty"`
}

// ToolCallBlocks returns every ToolCallBlock in the message's content, in
// order. Used to enforce the tool-call/tool-result pairing invariant.
func (m Message) ToolCallBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Kind == "tool_call" {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates every text block's content, in order.
func (m Message) Text() string {
	var s string
	for _, b := range m.Content {
		if b.Kind == "text" {
			s += b.Text
		}
	}
	return s
}

// SessionEntry is one persisted line of the journal (the header aside).
// Only the fields relevant to Type are populated; it is JSON-tagged to
// serialize compactly (see marshal.go).
type SessionEntry struct {
	ID          string    `json:"id"`
	Type        EntryType `json:"type"`
	TimestampMs int64     `json:"timestampMs"`
	ParentID    *string   `json:"parentId"`

	// type=message
	Message *Message `json:"message,omitempty"`

	// type=compaction
	Summary          string  `json:"summary,omitempty"`
	FirstKeptEntryID string  `json:"firstKeptEntryId,omitempty"`
	TokensBefore     int     `json:"tokensBefore,omitempty"`
	Details          string  `json:"details,omitempty"`
	FromHook         bool    `json:"fromHook,omitempty"`

	// type=branch_summary
	FromID string `json:"fromId,omitempty"`
	// Summary, Details, FromHook shared with compaction above.

	// type=model_change
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`

	// type=thinking_level_change
	Level string `json:"level,omitempty"`

	// type=custom_message
	CustomKind string         `json:"customKind,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	Display    bool           `json:"display,omitempty"`

	// type=custom
	Data map[string]interface{} `json:"data,omitempty"`

	// type=session_info
	Name *string `json:"name,omitempty"`

	// type=label
	TargetID string  `json:"targetId,omitempty"`
	Label    *string `json:"label,omitempty"`
}

// Timestamp converts TimestampMs to a time.Time.
func (e *SessionEntry) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// Header is the first line of a session file.
type Header struct {
	Type          string `json:"type"` // always "session"
	ID            string `json:"id"`
	Version       int    `json:"version"`
	Timestamp     int64  `json:"timestamp"`
	Cwd           string `json:"cwd"`
	ParentSession string `json:"parentSession,omitempty"`

	// Pre-migration-v1 fields retained so migrate.go can read legacy files.
	FirstKeptEntryIndex *int `json:"firstKeptEntryIndex,omitempty"`
}
