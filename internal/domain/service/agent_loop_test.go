package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// scriptedLLM replays a fixed sequence of responses (or errors), one per
// GenerateStream call, streaming each response's content as single-rune
// deltas the way a real SSE provider would.
type scriptedLLM struct {
	mu      sync.Mutex
	script  []scriptedTurn
	calls   int
}

type scriptedTurn struct {
	resp *LLMResponse
	err  error
}

func (s *scriptedLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	return s.GenerateStream(ctx, req, nil)
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.script) {
		return nil, fmt.Errorf("scriptedLLM: unexpected call %d", idx)
	}
	turn := s.script[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	if deltaCh != nil {
		for _, r := range turn.resp.Content {
			deltaCh <- StreamChunk{DeltaText: string(r)}
		}
	}
	return turn.resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingTools returns a canned output per tool name and records every
// execution. onExecute, if set, runs after each call — tests use it to
// enqueue steering messages mid-batch.
type recordingTools struct {
	mu        sync.Mutex
	executed  []string
	outputs   map[string]string
	onExecute func(name string)
}

func (r *recordingTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	r.mu.Lock()
	r.executed = append(r.executed, name)
	r.mu.Unlock()
	if r.onExecute != nil {
		r.onExecute(name)
	}
	out, ok := r.outputs[name]
	if !ok {
		return nil, errors.New("no such tool")
	}
	return &domaintool.Result{Output: out, Success: true}, nil
}

func (r *recordingTools) GetDefinitions() []domaintool.Definition {
	var defs []domaintool.Definition
	for name := range r.outputs {
		defs = append(defs, domaintool.Definition{Name: name})
	}
	return defs
}

func (r *recordingTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindRead }

func (r *recordingTools) executedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func fastLoopConfig() AgentLoopConfig {
	cfg := DefaultAgentLoopConfig()
	cfg.MaxRetries = 2
	cfg.RetryBaseWait = time.Millisecond
	cfg.ToolTimeout = time.Second
	return cfg
}

func collectEvents(t *testing.T, ch <-chan entity.AgentEvent) []entity.AgentEvent {
	t.Helper()
	var events []entity.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for event stream to close (got %d events)", len(events))
		}
	}
}

func eventTypes(events []entity.AgentEvent) []entity.AgentEventType {
	out := make([]entity.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countType(events []entity.AgentEvent, typ entity.AgentEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// === Simple turn: one streamed assistant, no tools ===

func TestRunLoop_SimpleTurn(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{resp: &LLMResponse{Content: "hi", ModelUsed: "m"}},
	}}
	tools := &recordingTools{outputs: map[string]string{}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	result, events := loop.Run(context.Background(), "sys", "say hi", nil, "")
	evs := collectEvents(t, events)

	if result.FinalContent != "hi" {
		t.Errorf("expected final content %q, got %q", "hi", result.FinalContent)
	}

	// Required ordering: agent_start, user message pair, turn_start,
	// assistant message triad, turn_end, agent_end.
	types := eventTypes(evs)
	if types[0] != entity.EventAgentStart {
		t.Errorf("first event should be agent_start, got %s", types[0])
	}
	if types[1] != entity.EventMessageStart || evs[1].Message.Role != "user" || evs[1].Message.Content != "say hi" {
		t.Errorf("second event should be message_start(user:say hi), got %s %+v", types[1], evs[1].Message)
	}
	if types[2] != entity.EventMessageEnd {
		t.Errorf("third event should be message_end(user), got %s", types[2])
	}
	if types[len(types)-1] != entity.EventAgentEnd {
		t.Errorf("last event should be agent_end, got %s", types[len(types)-1])
	}
	if countType(evs, entity.EventTurnStart) != 1 {
		t.Errorf("expected exactly 1 turn_start, got %d", countType(evs, entity.EventTurnStart))
	}
	if countType(evs, entity.EventTurnEnd) != 1 {
		t.Errorf("expected exactly 1 turn_end, got %d", countType(evs, entity.EventTurnEnd))
	}
	if countType(evs, entity.EventMessageUpdate) == 0 {
		t.Error("expected at least one message_update while streaming")
	}
	if countType(evs, entity.EventToolStart) != 0 {
		t.Error("no tool events expected for a plain text turn")
	}

	// The settled assistant message arrives via message_end with content "hi".
	var sawAssistantEnd bool
	for _, ev := range evs {
		if ev.Type == entity.EventMessageEnd && ev.Message != nil && ev.Message.Role == "assistant" && ev.Message.Content == "hi" {
			sawAssistantEnd = true
		}
	}
	if !sawAssistantEnd {
		t.Error("expected message_end carrying the final assistant text")
	}
}

// === One tool call, then a second streamed assistant ===

func TestRunLoop_OneToolCall(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{resp: &LLMResponse{ToolCalls: []entity.ToolCallInfo{
			{ID: "t1", Name: "read", Arguments: map[string]interface{}{"path": "F"}},
		}}},
		{resp: &LLMResponse{Content: "done"}},
	}}
	tools := &recordingTools{outputs: map[string]string{"read": "ok"}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	result, events := loop.Run(context.Background(), "", "read F", nil, "")
	evs := collectEvents(t, events)

	if result.FinalContent != "done" {
		t.Errorf("expected final content %q, got %q", "done", result.FinalContent)
	}
	if got := tools.executedNames(); len(got) != 1 || got[0] != "read" {
		t.Errorf("expected exactly one 'read' execution, got %v", got)
	}
	if n := countType(evs, entity.EventTurnEnd); n != 2 {
		t.Errorf("expected 2 turn_end events, got %d", n)
	}

	// Tool-call/result pairing: every tool_start has a matching tool_end
	// with the same id.
	starts := map[string]bool{}
	for _, ev := range evs {
		if ev.Type == entity.EventToolStart {
			starts[ev.ToolID] = true
		}
	}
	for _, ev := range evs {
		if ev.Type == entity.EventToolEnd {
			if !starts[ev.ToolID] {
				t.Errorf("tool_end %q without matching tool_start", ev.ToolID)
			}
			delete(starts, ev.ToolID)
		}
	}
	for id := range starts {
		t.Errorf("tool_start %q never saw a tool_end", id)
	}

	var sawResult bool
	for _, ev := range evs {
		if ev.Type == entity.EventToolEnd && ev.ToolID == "t1" && ev.ToolOutput == "ok" && !ev.ToolIsError {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("expected tool_end(t1) carrying output 'ok'")
	}
}

// === Steering preempts the rest of the tool batch ===

func TestRunLoop_SteeringSkipsRemainingTools(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{resp: &LLMResponse{ToolCalls: []entity.ToolCallInfo{
			{ID: "t1", Name: "read", Arguments: map[string]interface{}{}},
			{ID: "t2", Name: "write", Arguments: map[string]interface{}{}},
		}}},
		{resp: &LLMResponse{Content: "acknowledged"}},
	}}
	tools := &recordingTools{outputs: map[string]string{"read": "ok", "write": "ok"}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	steering := NewMessageQueue()
	followUp := NewMessageQueue()
	loop.SetQueues(steering, followUp, SteeringOneAtATime)

	// Enqueue the steering message while the first tool runs, so the
	// post-tool re-poll picks it up before dispatching t2.
	tools.onExecute = func(name string) {
		if name == "read" {
			steering.Push(LLMMessage{Role: "user", Content: "stop"})
		}
	}

	_, events := loop.Run(context.Background(), "", "go", nil, "")
	evs := collectEvents(t, events)

	if got := tools.executedNames(); len(got) != 1 || got[0] != "read" {
		t.Errorf("only 'read' should have executed, got %v", got)
	}

	var t1OK, t2Skipped, sawSteerMsg bool
	for _, ev := range evs {
		if ev.Type == entity.EventToolEnd && ev.ToolID == "t1" && !ev.ToolIsError {
			t1OK = true
		}
		if ev.Type == entity.EventToolEnd && ev.ToolID == "t2" {
			if !ev.ToolIsError {
				t.Error("t2 should be reported as an error result")
			}
			if ev.ToolOutput != "Skipped due to queued user message." {
				t.Errorf("t2 skip text = %q", ev.ToolOutput)
			}
			t2Skipped = true
		}
		if ev.Type == entity.EventMessageStart && ev.Message != nil && ev.Message.Role == "user" && ev.Message.Content == "stop" {
			sawSteerMsg = true
		}
	}
	if !t1OK {
		t.Error("expected successful tool_end for t1")
	}
	if !t2Skipped {
		t.Error("expected skipped tool_end for t2")
	}
	if !sawSteerMsg {
		t.Error("steering message should start the next turn as a user message event")
	}
	if n := countType(evs, entity.EventTurnEnd); n != 2 {
		t.Errorf("expected 2 turns (tool batch + steering turn), got %d", n)
	}
}

// === Non-retryable stream error terminates without tool execution ===

func TestRunLoop_StreamErrorTerminates(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{err: errors.New("bad request: model rejected input")},
	}}
	tools := &recordingTools{outputs: map[string]string{"read": "ok"}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	_, events := loop.Run(context.Background(), "", "hello", nil, "")
	evs := collectEvents(t, events)

	if countType(evs, entity.EventToolStart) != 0 {
		t.Error("no tools may run after a stream error")
	}
	last := evs[len(evs)-1]
	if last.Type != entity.EventAgentEnd || last.Error == "" {
		t.Errorf("expected terminal agent_end carrying the error, got %s (%q)", last.Type, last.Error)
	}
	var sawErrorEnd bool
	for _, ev := range evs {
		if ev.Type == entity.EventMessageEnd && ev.Message != nil && ev.Message.StopReason == "error" {
			sawErrorEnd = true
		}
	}
	if !sawErrorEnd {
		t.Error("expected message_end with stop_reason=error for the failed stream")
	}
	if llm.callCount() != 1 {
		t.Errorf("non-retryable error should not be retried, got %d calls", llm.callCount())
	}
}

// === Transient errors are retried up to MaxRetries with backoff ===

func TestRunLoop_RetryOn429(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{err: errors.New("429 too many requests")},
		{resp: &LLMResponse{Content: "recovered"}},
	}}
	tools := &recordingTools{outputs: map[string]string{}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	result, events := loop.Run(context.Background(), "", "hello", nil, "")
	collectEvents(t, events)

	if result.FinalContent != "recovered" {
		t.Errorf("expected retry to recover, got %q", result.FinalContent)
	}
	if llm.callCount() != 2 {
		t.Errorf("expected exactly 2 LLM calls (1 failure + 1 retry), got %d", llm.callCount())
	}
}

func TestRunLoop_RetryBound(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")}, // would exceed MaxRetries=2
	}}
	tools := &recordingTools{outputs: map[string]string{}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	_, events := loop.Run(context.Background(), "", "hello", nil, "")
	evs := collectEvents(t, events)

	// MaxRetries=2 means 1 initial + 2 retries = 3 calls, never the 4th.
	if llm.callCount() != 3 {
		t.Errorf("expected 3 calls for MaxRetries=2, got %d", llm.callCount())
	}
	last := evs[len(evs)-1]
	if last.Type != entity.EventAgentEnd || last.Error == "" {
		t.Errorf("expected agent_end with error after retries exhausted, got %s", last.Type)
	}
}

// === Follow-ups drain only once the loop would otherwise terminate ===

func TestRunLoop_FollowUpReentersLoop(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedTurn{
		{resp: &LLMResponse{Content: "first answer"}},
		{resp: &LLMResponse{Content: "second answer"}},
	}}
	tools := &recordingTools{outputs: map[string]string{}}
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	steering := NewMessageQueue()
	followUp := NewMessageQueue()
	loop.SetQueues(steering, followUp, SteeringOneAtATime)
	followUp.Push(LLMMessage{Role: "user", Content: "and also this"})

	result, events := loop.Run(context.Background(), "", "hello", nil, "")
	evs := collectEvents(t, events)

	if n := countType(evs, entity.EventTurnEnd); n != 2 {
		t.Errorf("expected 2 turns (initial + follow-up), got %d", n)
	}
	if result.FinalContent != "second answer" {
		t.Errorf("final content should come from the follow-up turn, got %q", result.FinalContent)
	}

	var sawFollowUpMsg bool
	for _, ev := range evs {
		if ev.Type == entity.EventMessageStart && ev.Message != nil && ev.Message.Content == "and also this" {
			sawFollowUpMsg = true
		}
	}
	if !sawFollowUpMsg {
		t.Error("follow-up message should be emitted as a user message event")
	}
}

// === Cancellation between tool calls aborts promptly ===

func TestRunLoop_CancelBetweenTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	llm := &scriptedLLM{script: []scriptedTurn{
		{resp: &LLMResponse{ToolCalls: []entity.ToolCallInfo{
			{ID: "t1", Name: "read", Arguments: map[string]interface{}{}},
			{ID: "t2", Name: "read", Arguments: map[string]interface{}{}},
		}}},
	}}
	tools := &recordingTools{outputs: map[string]string{"read": "ok"}}
	tools.onExecute = func(string) { cancel() }
	loop := NewAgentLoop(llm, tools, fastLoopConfig(), testLogger())

	_, events := loop.Run(ctx, "", "go", nil, "")
	evs := collectEvents(t, events)

	if got := tools.executedNames(); len(got) != 1 {
		t.Errorf("cancel after the first tool should stop the batch, executed %v", got)
	}
	last := evs[len(evs)-1]
	if last.Type != entity.EventAgentEnd || last.Error == "" {
		t.Errorf("expected agent_end reporting cancellation, got %s (%q)", last.Type, last.Error)
	}
}
