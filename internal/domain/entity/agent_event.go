package entity

import "time"

// AgentEventType identifies which variant of the agent-loop event sum type
// (spec.md §4.2) an AgentEvent carries. Exactly one of the payload groups
// documented on AgentEvent is meaningful for a given Type; the others are
// left zero-valued.
type AgentEventType string

const (
	EventAgentStart    AgentEventType = "agent_start"
	EventTurnStart     AgentEventType = "turn_start"
	EventMessageStart  AgentEventType = "message_start"
	EventMessageUpdate AgentEventType = "message_update"
	EventMessageEnd    AgentEventType = "message_end"
	EventToolStart     AgentEventType = "tool_start"
	EventToolUpdate    AgentEventType = "tool_update"
	EventToolEnd       AgentEventType = "tool_end"
	EventTurnEnd       AgentEventType = "turn_end"
	EventAgentEnd      AgentEventType = "agent_end"
)

// AssistantMessage is the provisional-or-final assistant message carried by
// MessageStart/MessageUpdate/MessageEnd and by TurnEnd's assistant_msg. The
// same value is re-emitted with growing Content/Thinking/ToolCalls on each
// MessageUpdate while a turn streams; MessageEnd carries the settled value.
type AssistantMessage struct {
	Role         string         `json:"role"` // "user" | "assistant" | "toolResult"
	Content      string         `json:"content"`
	Thinking     string         `json:"thinking,omitempty"`
	ToolCalls    []ToolCallInfo `json:"tool_calls,omitempty"`
	StopReason   string         `json:"stop_reason,omitempty"` // "stop" | "tool_calls" | "error" | "aborted"
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ToolResultInfo is one tool's outcome, carried by TurnEnd's tool_results.
type ToolResultInfo struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// NewMessage is one entry in AgentEnd's all_new_messages: every message
// (steering, assistant, tool result) the run appended to the context.
type NewMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentEvent is the tagged union run_loop streams to its caller (spec.md
// §4.2's event sum type). Consumers switch on Type and read only the fields
// that variant documents:
//
//	AgentStart                                — no payload
//	TurnStart                                  — Turn
//	TurnEnd                                    — Turn, Message (assistant_msg), ToolResults
//	MessageStart / MessageUpdate / MessageEnd  — Message (+ RawStreamEvent on MessageUpdate)
//	ToolStart                                  — ToolID, ToolName, ToolArgs
//	ToolUpdate                                 — ToolID, ToolName, ToolArgs, ToolPartialResult
//	ToolEnd                                    — ToolID, ToolName, ToolOutput, ToolIsError, ToolDuration
//	AgentEnd                                   — AllNewMessages
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`

	// TurnStart / TurnEnd
	Turn int `json:"turn,omitempty"`

	// MessageStart / MessageUpdate / MessageEnd / TurnEnd (assistant_msg)
	Message        *AssistantMessage `json:"message,omitempty"`
	RawStreamEvent string            `json:"raw_stream_event,omitempty"` // MessageUpdate only

	// TurnEnd
	ToolResults []ToolResultInfo `json:"tool_results,omitempty"`

	// ToolStart / ToolUpdate / ToolEnd
	ToolID            string                 `json:"tool_id,omitempty"`
	ToolName          string                 `json:"tool_name,omitempty"`
	ToolArgs          map[string]interface{} `json:"tool_args,omitempty"`
	ToolPartialResult string                 `json:"partial_result,omitempty"` // ToolUpdate only
	ToolOutput        string                 `json:"tool_output,omitempty"`    // ToolEnd only
	ToolDisplay       string                 `json:"tool_display,omitempty"`   // ToolEnd only — rich UI rendering, additive to spec
	ToolIsError       bool                   `json:"tool_is_error,omitempty"`  // ToolEnd only
	ToolDuration      time.Duration          `json:"tool_duration,omitempty"`  // ToolEnd only

	// AgentEnd
	AllNewMessages []NewMessage `json:"all_new_messages,omitempty"`

	// Set on the TurnEnd/AgentEnd pair that terminates the run early
	// (stop_reason ∈ {error, aborted}); empty otherwise.
	Error string `json:"error,omitempty"`
}

// ToolCallInfo represents a tool call, shared by the LLM request/response
// layer (LLMMessage.ToolCalls, LLMResponse.ToolCalls) and by
// AssistantMessage.ToolCalls above — the same shape whether it's in flight
// to a provider or being reported to a caller.
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
