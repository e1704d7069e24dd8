package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// AgentLoopConfig holds configuration for the agent's ReAct loop
type AgentLoopConfig struct {
	DoomLoopThreshold int     // Deprecated: use LoopDetectThreshold for sliding window
	MaxOutputChars    int     // Maximum characters per tool output before truncation (default: 32000)
	Temperature       float64 // LLM temperature
	Model             string  // LLM model identifier (e.g. "bailian/qwen3-coder-plus")

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 3)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)
	RetryMaxWait  time.Duration // Backoff ceiling regardless of attempt count (default: 60s)

	// Context compaction
	CompactThreshold int // Deprecated: use ContextGuard for token-based compaction
	CompactKeepLast  int // Number of recent messages to preserve during compaction (default: 10)

	// Guardrails — OpenClaw/Continue aligned: token budget is the only natural limit.
	// No MaxSteps, no RunTimeout. Loop runs until LLM stops calling tools or tokens exhaust.
	MaxTokenBudget      int64         // Token budget limit (0 = disabled)
	ToolTimeout         time.Duration // Per-tool execution timeout (default 30s)
	ContextMaxTokens    int           // Context window token limit (default 128000)
	ContextWarnRatio    float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio    float64       // Force compact when > this ratio (default 0.85)
	LoopWindowSize      int           // Sliding window size for exact-match loop detection (default 10)
	LoopDetectThreshold int           // Identical calls in window to trigger reflection (default 5)
	LoopNameThreshold   int           // Same tool name calls within the window to trigger reflection (default 8)
}

// DefaultAgentLoopConfig returns production-ready defaults.
// OpenClaw/Continue aligned: no MaxSteps, no RunTimeout.
// Loop runs until LLM stops calling tools, guarded by token budget + ContextGuard.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		DoomLoopThreshold:   3,
		MaxOutputChars:      32000,
		Temperature:         0.7,
		MaxRetries:          3,
		RetryBaseWait:       2 * time.Second,
		RetryMaxWait:        60 * time.Second,
		CompactThreshold:    40,
		CompactKeepLast:     10,
		ToolTimeout:         30 * time.Second,
		ContextMaxTokens:    128000,
		ContextWarnRatio:    0.7,
		ContextHardRatio:    0.85,
		LoopWindowSize:      10,
		LoopDetectThreshold: 5,
		LoopNameThreshold:   8,
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The channel is closed when the stream ends. The caller must drain it.
	// Returns the final accumulated LLMResponse after the channel is closed.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk is a single delta from a streaming LLM response. It is the
// provider-facing wire format GenerateStream emits; runAssistantTurn folds
// a sequence of these into the spec's MessageStart/MessageUpdate/MessageEnd
// event triad (spec.md §4.2 "Assistant streaming") before anything reaches
// a caller of Run.
type StreamChunk struct {
	DeltaText     string               // Incremental text content
	DeltaToolCall *entity.ToolCallInfo // Incremental tool call (may arrive in fragments)
	FinishReason  string               // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage            `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string                `json:"role"` // "system", "user", "assistant", "tool"
	Content    string                `json:"content"`
	Parts      []ContentPart         `json:"parts,omitempty"` // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	Name       string                `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`                // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`      // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string                `json:"content"`
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ModelUsed  string                `json:"model_used"`
	TokensUsed int                   `json:"tokens_used"`
}

// ToolExecutor is the interface for executing tools within the agent loop
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error)
	GetDefinitions() []domaintool.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) domaintool.Kind
}

// AgentLoop implements spec.md §4.2's turn-based agent loop: it streams one
// assistant turn at a time, dispatches that turn's tool calls sequentially,
// re-polls for steering messages between tool calls and between turns, and
// emits the AgentStart…AgentEnd event sum type (entity.AgentEvent) for
// every state change along the way.
type AgentLoop struct {
	llm        LLMClient
	tools      ToolExecutor
	config     AgentLoopConfig
	hooks      AgentHook
	middleware *MiddlewarePipeline
	toolCache  *ToolResultCache
	logger     *zap.Logger

	// Steering/follow-up queues. Steering messages preempt tool execution
	// mid-batch and between turns; follow-ups are drained once the loop
	// would otherwise terminate. Nil until SetQueues is called — callers
	// that never enqueue anything pay no cost.
	steering     *MessageQueue
	followUp     *MessageQueue
	steeringMode SteeringMode
}

// SetQueues wires a steering/follow-up queue pair into the loop. mode
// controls how many steering messages are drained per poll; defaults to
// SteeringOneAtATime.
func (a *AgentLoop) SetQueues(steering, followUp *MessageQueue, mode SteeringMode) {
	a.steering = steering
	a.followUp = followUp
	a.steeringMode = mode
	if a.steeringMode == "" {
		a.steeringMode = SteeringOneAtATime
	}
}

// drainSteering pops queued steering messages (if any queue is wired) and
// returns them as LLMMessages ready to append to context.
func (a *AgentLoop) drainSteering() []LLMMessage {
	if a.steering == nil {
		return nil
	}
	return a.steering.Drain(a.steeringMode)
}

// drainFollowUp pops every queued follow-up message (if a queue is wired).
func (a *AgentLoop) drainFollowUp() []LLMMessage {
	if a.followUp == nil {
		return nil
	}
	return a.followUp.DrainAll()
}

// NewAgentLoop creates a new ReAct agent loop
func NewAgentLoop(llm LLMClient, tools ToolExecutor, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.DoomLoopThreshold <= 0 {
		config.DoomLoopThreshold = 3
	}
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.RetryMaxWait <= 0 {
		config.RetryMaxWait = 60 * time.Second
	}
	if config.CompactThreshold <= 0 {
		config.CompactThreshold = 40
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	// Guardrail defaults
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}
	if config.LoopWindowSize <= 0 {
		config.LoopWindowSize = 10
	}
	if config.LoopDetectThreshold <= 0 {
		config.LoopDetectThreshold = 5
	}

	return &AgentLoop{
		llm:        llm,
		tools:      tools,
		config:     config,
		hooks:      &NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		toolCache:  NewToolResultCache(30*time.Second, 100),
		logger:     logger,
	}
}

// SetHooks replaces the hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}

// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
}

// Run executes run_loop (spec.md §4.2), emitting events to the provided
// channel. The caller should read from eventCh until it's closed.
// modelOverride, when non-empty, overrides the default model for this run
// (used by /next-model and /prev-model to switch models per-session).
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)

	result := &AgentResult{}

	// Inject trace ID for structured logging
	ctx = WithTraceID(ctx, "")
	a.logger = a.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)))

	// Clear tool cache for each new run
	a.toolCache.Clear()

	// Create a state machine for this run
	sm := NewStateMachine(0, a.logger) // 0 = unlimited steps; runs have no time bound

	// Wire hooks into state machine transitions
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emitEvent(eventCh, entity.AgentEvent{
					Type:  entity.EventAgentEnd,
					Error: fmt.Sprintf("Internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("Internal error: %v", r)
			}
		}()
		a.runLoop(ctx, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride)
	}()

	return result, eventCh
}

// runLoop implements spec.md §4.2's run_loop: AgentStart, then repeated
// TurnStart → stream assistant → sequential tool dispatch (with mid-batch
// steering preemption) → TurnEnd, until no tool calls remain and no
// steering/follow-up messages are pending, then AgentEnd.
func (a *AgentLoop) runLoop(
	ctx context.Context,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
) {
	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})

	var newMessages []entity.NewMessage
	newMessages = append(newMessages, entity.NewMessage{Role: "user", Content: userMessage})

	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventAgentStart})

	// The initiating user message gets the same MessageStart/MessageEnd pair
	// steering messages do, so consumers see every context addition as events.
	userMsg := &entity.AssistantMessage{Role: "user", Content: userMessage}
	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageStart, Message: userMsg})
	a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Message: userMsg})

	toolDefs := a.tools.GetDefinitions()
	toolsUsedSet := make(map[string]bool)

	loopDetector := NewLoopDetector(a.config.LoopWindowSize, a.config.LoopDetectThreshold, a.config.LoopNameThreshold, a.logger)
	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)
	var costGuard *CostGuard
	if a.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(a.config.MaxTokenBudget, 0, a.logger)
	}

	consecutiveFailures := 0 // Track consecutive tool failures for early abort

	// OpenClaw pattern: collect cleaned text from every assistant turn. Many
	// models emit useful narration during intermediate tool-calling turns
	// and return empty content on the final turn; finalizeAnswer falls back
	// to the last non-empty one collected here.
	var assistantTexts []string

	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
		a.logger.Info("Model override active", zap.String("override", modelOverride))
	}

	policy := ResolveModelPolicy(model, a.config.ModelPolicies)
	a.logger.Info("Model policy resolved",
		zap.String("model", model),
		zap.String("reasoning_format", policy.ReasoningFormat),
		zap.Int("progress_interval", policy.ProgressInterval),
		zap.String("prompt_style", policy.PromptStyle),
	)

	abortRun := func(reason string) {
		_ = sm.Transition(StateAborted)
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventAgentEnd, AllNewMessages: newMessages, Error: reason})
		result.FinalContent = fmt.Sprintf("Stopped: %s", reason)
	}

	// Step 1: drain any pending steering messages exactly once before the
	// first turn.
	pending := a.drainSteering()

	turn := 0
	for {
		turn++
		sm.SetStep(turn)

		if err := ctx.Err(); err != nil {
			abortRun("context cancelled")
			return
		}

		// a. TurnStart
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventTurnStart, Turn: turn})

		// b. Emit pending steering messages as MessageStart/MessageEnd,
		// append them to the context and the new_messages accumulator.
		for _, m := range pending {
			messages = append(messages, m)
			steerMsg := &entity.AssistantMessage{Role: "user", Content: m.Content}
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageStart, Turn: turn, Message: steerMsg})
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: steerMsg})
			newMessages = append(newMessages, entity.NewMessage{Role: "user", Content: m.Content})
		}
		pending = nil

		a.logger.Info("Agent loop turn",
			zap.Int("turn", turn),
			zap.Int("messages", len(messages)),
		)

		// === Progress injection: policy-driven interval with escalating urgency ===
		if policy.ProgressInterval > 0 && turn > 1 && turn%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(turn); msg != "" {
				messages = append(messages, LLMMessage{Role: "user", Content: msg})
				newMessages = append(newMessages, entity.NewMessage{Role: "user", Content: msg})
			}
		}

		// === Pre-call context compaction (token-based only) ===
		compactionThisTurn := false
		if ctxCheck := contextGuard.Check(messages); ctxCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Context compacted (token threshold)",
				zap.Int("messages_after", len(messages)),
				zap.Int("estimated_tokens", ctxCheck.EstimatedTokens),
				zap.Float64("ratio", ctxCheck.Ratio),
			)
		}

		messages = sanitizeMessages(messages)

		// c. Stream an assistant response (retries + overflow auto-compaction
		// happen here, within the same turn — no extra TurnStart).
		_ = sm.Transition(StateStreaming)
		resp, stopReason, err := a.runAssistantTurn(ctx, eventCh, turn, &messages, toolDefs, model, &compactionThisTurn, sm)
		if err != nil {
			sm.RecordError()
			_ = sm.Transition(StateError)
			a.hooks.OnError(ctx, err, turn)
			reason := fmt.Sprintf("LLM error at turn %d (after %d retries): %v", turn, a.config.MaxRetries, err)
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventTurnEnd, Turn: turn, Error: reason})
			abortRun(reason)
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = turn
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)
		newMessages = append(newMessages, entity.NewMessage{Role: "assistant", Content: resp.Content})

		if costGuard != nil {
			if budgetErr := costGuard.AddTokens(int64(resp.TokensUsed)); budgetErr != nil {
				_ = sm.Transition(StateError)
				a.hooks.OnError(ctx, budgetErr, turn)
				reason := fmt.Sprintf("Budget exceeded: %v", budgetErr)
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventTurnEnd, Turn: turn, Error: reason})
				abortRun(reason)
				return
			}
			if budgetErr := costGuard.CheckBudget(); budgetErr != nil {
				_ = sm.Transition(StateError)
				a.hooks.OnError(ctx, budgetErr, turn)
				reason := fmt.Sprintf("Budget exceeded: %v", budgetErr)
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventTurnEnd, Turn: turn, Error: reason})
				abortRun(reason)
				return
			}
		}

		resp = a.middleware.RunAfterModel(ctx, resp, turn)
		a.hooks.AfterLLMCall(ctx, resp, turn)

		// d. error/aborted stop reasons terminate the run without tool
		// execution or follow-ups.
		if stopReason == "error" || stopReason == "aborted" {
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventTurnEnd, Turn: turn, Error: resp.Content})
			abortRun(resp.Content)
			return
		}

		if cleaned := strings.TrimSpace(StripReasoningTags(resp.Content)); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		assistantMsg := &entity.AssistantMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}

		var toolResults []entity.ToolResultInfo
		steeringDeferred := false

		// e. Dispatch this turn's tool calls sequentially, in the order the
		// assistant emitted them. Parallel execution is explicitly not
		// supported (spec.md §5).
		if len(resp.ToolCalls) > 0 {
			_ = sm.Transition(StateToolExec)

			var reflectionPrompts []string
			for _, tc := range resp.ToolCalls {
				kind := a.tools.GetToolKind(tc.Name)
				if domaintool.SafeKinds[kind] {
					continue // read-only tools don't count toward loop detection
				}
				if prompt := loopDetector.RecordName(tc.Name); prompt != "" {
					reflectionPrompts = append(reflectionPrompts, prompt)
				}
				argsFingerprint := ""
				if tc.Arguments != nil {
					if raw, jerr := json.Marshal(tc.Arguments); jerr == nil {
						argsFingerprint = string(raw)
					}
				}
				if prompt := loopDetector.Record(tc.Name, argsFingerprint); prompt != "" {
					reflectionPrompts = append(reflectionPrompts, prompt)
				}
			}

			for i, tc := range resp.ToolCalls {
				if ctx.Err() != nil {
					abortRun("context cancelled")
					return
				}

				a.emitEvent(eventCh, entity.AgentEvent{
					Type:     entity.EventToolStart,
					Turn:     turn,
					ToolID:   tc.ID,
					ToolName: tc.Name,
					ToolArgs: tc.Arguments,
				})

				output, display, success, duration := a.executeOneTool(ctx, tc)
				toolsUsedSet[tc.Name] = true
				sm.RecordToolExec(tc.Name)

				a.emitEvent(eventCh, entity.AgentEvent{
					Type:         entity.EventToolEnd,
					Turn:         turn,
					ToolID:       tc.ID,
					ToolName:     tc.Name,
					ToolOutput:   output,
					ToolDisplay:  display,
					ToolIsError:  !success,
					ToolDuration: duration,
				})

				messages = append(messages, LLMMessage{Role: "tool", Content: output, ToolCallID: tc.ID, Name: tc.Name})
				toolResults = append(toolResults, entity.ToolResultInfo{ToolCallID: tc.ID, ToolName: tc.Name, Content: output, IsError: !success})

				resultMsg := &entity.AssistantMessage{Role: "toolResult", Content: output, StopReason: stopReasonForToolResult(success)}
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageStart, Turn: turn, Message: resultMsg})
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: resultMsg})
				newMessages = append(newMessages, entity.NewMessage{Role: "toolResult", Content: output})

				if !success {
					consecutiveFailures++
				} else {
					consecutiveFailures = 0
				}

				// After each tool, re-poll steering. If messages arrive, the
				// remaining tool calls in this batch are skipped (spec.md
				// §4.2.e, testable property #8, scenario S3).
				if steered := a.drainSteering(); len(steered) > 0 {
					for _, rem := range resp.ToolCalls[i+1:] {
						const skipText = "Skipped due to queued user message."
						a.emitEvent(eventCh, entity.AgentEvent{
							Type:     entity.EventToolStart,
							Turn:     turn,
							ToolID:   rem.ID,
							ToolName: rem.Name,
							ToolArgs: rem.Arguments,
						})
						a.emitEvent(eventCh, entity.AgentEvent{
							Type:        entity.EventToolEnd,
							Turn:        turn,
							ToolID:      rem.ID,
							ToolName:    rem.Name,
							ToolOutput:  skipText,
							ToolIsError: true,
						})
						messages = append(messages, LLMMessage{Role: "tool", Content: skipText, ToolCallID: rem.ID, Name: rem.Name})
						toolResults = append(toolResults, entity.ToolResultInfo{ToolCallID: rem.ID, ToolName: rem.Name, Content: skipText, IsError: true})

						skipMsg := &entity.AssistantMessage{Role: "toolResult", Content: skipText, StopReason: "error"}
						a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageStart, Turn: turn, Message: skipMsg})
						a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: skipMsg})
						newMessages = append(newMessages, entity.NewMessage{Role: "toolResult", Content: skipText})
					}
					pending = steered
					steeringDeferred = true
					break
				}
			}

			if consecutiveFailures >= 3 {
				note := "[SYSTEM] Tools have failed 3 rounds in a row. Stop retrying and tell the user in plain language what went wrong, what you tried, and what you recommend."
				messages = append(messages, LLMMessage{Role: "user", Content: note})
				newMessages = append(newMessages, entity.NewMessage{Role: "user", Content: note})
				consecutiveFailures = 0
			}

			for _, prompt := range reflectionPrompts {
				messages = append(messages, LLMMessage{Role: "user", Content: prompt})
				newMessages = append(newMessages, entity.NewMessage{Role: "user", Content: prompt})
			}

			// Post-tool context check: if tool outputs pushed us over the
			// hard ratio, force compaction now.
			if postToolCheck := contextGuard.Check(messages); postToolCheck.NeedCompaction {
				a.logger.Warn("Post-tool context overflow, forcing compaction",
					zap.Int("estimated_tokens", postToolCheck.EstimatedTokens),
					zap.Float64("ratio", postToolCheck.Ratio),
				)
				_ = sm.Transition(StateCompacting)
				messages = a.compactMessages(messages)
				compactionThisTurn = true
			}
		}

		// f. TurnEnd
		a.emitEvent(eventCh, entity.AgentEvent{
			Type:        entity.EventTurnEnd,
			Turn:        turn,
			Message:     assistantMsg,
			ToolResults: toolResults,
		})

		// g. Re-poll steering, unless the tool phase already deferred some.
		if !steeringDeferred {
			pending = a.drainSteering()
		}

		if len(resp.ToolCalls) > 0 || len(pending) > 0 {
			continue
		}

		// Inner loop would exit here (no tool calls, no pending). If
		// compaction happened this turn, give the model one more turn
		// before settling on a final answer — treated exactly like an
		// injected steering message for the next turn.
		if compactionThisTurn {
			pending = []LLMMessage{{Role: "user", Content: "continue"}}
			continue
		}

		// Step 3: drain follow-up messages once; if any arrive they become
		// pending and re-enter the loop.
		if followUps := a.drainFollowUp(); len(followUps) > 0 {
			pending = followUps
			continue
		}

		// No more tool calls, no pending steering/follow-ups — final answer.
		finalContent := a.finalizeAnswer(ctx, turn, &messages, model, resp.Content, assistantTexts)
		result.FinalContent = finalContent
		_ = sm.Transition(StateComplete)
		a.hooks.OnComplete(ctx, result)
		for name := range toolsUsedSet {
			result.ToolsUsed = append(result.ToolsUsed, name)
		}
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventAgentEnd, AllNewMessages: newMessages})
		return
	}
}

func stopReasonForToolResult(success bool) string {
	if success {
		return ""
	}
	return "error"
}

// runAssistantTurn streams one assistant turn (spec.md §4.2 "Assistant
// streaming"), folding the provider's low-level StreamChunk deltas into
// MessageStart/MessageUpdate/MessageEnd events. Context-overflow retries
// (up to 3 compactions, each followed by a fresh call) happen inside this call
// and never emit an extra TurnStart — overflow-retry is part of streaming
// one turn, not a new turn.
func (a *AgentLoop) runAssistantTurn(
	ctx context.Context,
	eventCh chan<- entity.AgentEvent,
	turn int,
	messages *[]LLMMessage,
	toolDefs []domaintool.Definition,
	model string,
	compactionThisTurn *bool,
	sm *StateMachine,
) (*LLMResponse, string, error) {
	overflowCompactions := 0
	for {
		mwMessages := a.middleware.RunBeforeModel(ctx, *messages, turn)
		req := &LLMRequest{
			Messages:    mwMessages,
			Tools:       toolDefs,
			Model:       model,
			Temperature: a.config.Temperature,
		}
		a.hooks.BeforeLLMCall(ctx, req, turn)

		placeholder := &entity.AssistantMessage{Role: "assistant"}
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageStart, Turn: turn, Message: placeholder})

		var acc strings.Builder
		onDelta := func(text string) {
			acc.WriteString(text)
			partial := &entity.AssistantMessage{Role: "assistant", Content: acc.String()}
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageUpdate, Turn: turn, Message: partial, RawStreamEvent: "text_delta"})
		}
		onRetry := func(attempt int, wait time.Duration) {
			notice := &entity.AssistantMessage{Role: "assistant", Content: acc.String()}
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageUpdate, Turn: turn, Message: notice, RawStreamEvent: "retry"})
		}

		resp, err := a.callLLMWithRetry(ctx, req, turn, onDelta, onRetry)
		if err != nil {
			if IsContextOverflowError(err) && overflowCompactions < 3 {
				overflowCompactions++
				a.logger.Warn("Context overflow detected, auto-compacting",
					zap.Int("attempt", overflowCompactions),
					zap.Error(err),
				)
				final := &entity.AssistantMessage{Role: "assistant", StopReason: "error", ErrorMessage: err.Error()}
				a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: final})
				_ = sm.Transition(StateCompacting)
				*messages = a.compactMessages(*messages)
				*compactionThisTurn = true
				continue
			}
			final := &entity.AssistantMessage{Role: "assistant", StopReason: "error", ErrorMessage: err.Error()}
			a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: final})
			return nil, "error", err
		}

		// Text-based fallback: models without native function calling emit
		// tool calls as formatted text instead of populating ToolCalls.
		if len(resp.ToolCalls) == 0 {
			if cleaned, parsed := ParseToolCallsFromText(resp.Content); len(parsed) > 0 {
				resp.Content = cleaned
				resp.ToolCalls = parsed
			}
		}

		stopReason := "stop"
		if len(resp.ToolCalls) > 0 {
			stopReason = "tool_calls"
		}
		final := &entity.AssistantMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls, StopReason: stopReason}
		a.emitEvent(eventCh, entity.AgentEvent{Type: entity.EventMessageEnd, Turn: turn, Message: final})

		if len(resp.ToolCalls) > 0 {
			*messages = append(*messages, LLMMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		}
		return resp, stopReason, nil
	}
}

// finalizeAnswer resolves the turn's final textual content. If the last
// turn's content is empty after a multi-turn run, it requests a short
// summary; if that also comes back empty, it falls back to the last
// non-empty assistant narration collected along the way.
func (a *AgentLoop) finalizeAnswer(ctx context.Context, turn int, messages *[]LLMMessage, model string, lastContent string, assistantTexts []string) string {
	finalContent := StripReasoningTags(lastContent)

	if strings.TrimSpace(finalContent) == "" && turn > 1 {
		msgs := *messages
		if last := msgs[len(msgs)-1]; last.Role != "assistant" {
			msgs = append(msgs, LLMMessage{Role: "assistant", Content: "Done — tool calls complete."})
		}
		msgs = append(msgs, LLMMessage{Role: "user", Content: "Summarize, concisely, the actions you just took and their final result. Don't restate the plan, just the outcome."})
		*messages = msgs

		summaryReq := &LLMRequest{Messages: msgs, Model: model, Temperature: a.config.Temperature}
		summaryResp, err := a.callLLMWithRetry(ctx, summaryReq, turn+1, nil, nil)
		if err == nil && strings.TrimSpace(summaryResp.Content) != "" {
			finalContent = StripReasoningTags(summaryResp.Content)
		}
	}

	if strings.TrimSpace(finalContent) == "" && len(assistantTexts) > 0 {
		finalContent = assistantTexts[len(assistantTexts)-1]
	}

	return finalContent
}

// executeOneTool runs a single tool call to completion: policy veto, dedup
// via the result cache, a per-tool timeout, and exit-code annotation on
// failure. Tools run one at a time, in the order the assistant emitted them
// (spec.md §5) — there is no concurrency here to coordinate.
func (a *AgentLoop) executeOneTool(ctx context.Context, call entity.ToolCallInfo) (output, display string, success bool, duration time.Duration) {
	if !a.hooks.BeforeToolCall(ctx, call.Name, call.Arguments) {
		a.logger.Info("Tool call vetoed by hook", zap.String("tool", call.Name))
		return fmt.Sprintf("Tool '%s' was blocked by security policy", call.Name), "", false, 0
	}

	start := time.Now()

	if cached, cachedSuccess, hit := a.toolCache.Get(call.Name, call.Arguments); hit {
		a.logger.Debug("Tool cache hit", zap.String("tool", call.Name))
		a.hooks.AfterToolCall(ctx, call.Name, cached, cachedSuccess)
		return cached, "", cachedSuccess, time.Since(start)
	}

	toolCtx := ctx
	if a.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.config.ToolTimeout)
		defer cancel()
	}

	toolResult, err := a.tools.Execute(toolCtx, call.Name, call.Arguments)
	duration = time.Since(start)

	if err != nil {
		output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v\n[HINT] Tool execution errored. If this keeps happening, stop retrying and tell the user.", call.Name, err)
		success = false
		a.logger.Error("Tool execution failed",
			zap.String("tool", call.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		success = toolResult.Success
		if !success {
			errText := toolResult.Error
			if errText == "" {
				errText = toolResult.Output
			}
			exitCode := 1
			hint := "command failed"
			if toolResult.Metadata != nil {
				if ec, ok := toolResult.Metadata["exit_code"].(int); ok {
					exitCode = ec
					hint = exitCodeHint(ec)
				}
			}
			output = fmt.Sprintf("[TOOL_FAILED] %s\n[EXIT_CODE] %d — %s\n[OUTPUT]\n%s", call.Name, exitCode, hint, errText)
		} else {
			output = toolResult.Output
		}
	}

	output = truncateOutput(output, a.config.MaxOutputChars)
	a.toolCache.Put(call.Name, call.Arguments, output, success)

	if toolResult != nil {
		display = toolResult.Display
	}
	return output, display, success, duration
}

// exitCodeHint returns a short, human-readable explanation for common exit codes.
func exitCodeHint(code int) string {
	switch code {
	case 0:
		return "success"
	case 1:
		return "general error — check the command arguments or file path"
	case 2:
		return "usage error — invalid command syntax"
	case 124:
		return "timed out — command did not finish in time, possibly unreachable network or unresponsive service"
	case 126:
		return "permission denied — file not executable"
	case 127:
		return "command not found — check the command name or PATH"
	case 128:
		return "exited on signal"
	case 130:
		return "interrupted (Ctrl+C)"
	case 137:
		return "killed by SIGKILL — possibly out of memory"
	case 139:
		return "segmentation fault (SIGSEGV)"
	case 143:
		return "terminated by SIGTERM"
	case 255:
		return "SSH connection failed — check host reachability, port, and auth"
	default:
		if code > 128 {
			return fmt.Sprintf("terminated by signal %d", code-128)
		}
		return "unknown error"
	}
}
