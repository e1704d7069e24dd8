package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/gateway/internal/session"
	"go.uber.org/zap"
)

// ControllerConfig holds the session-controller-level knobs layered on top
// of the agent loop's own config: where compaction kicks in and how much
// recent context it keeps, on top of the per-turn behavior AgentLoopConfig
// already governs.
type ControllerConfig struct {
	// ContextMaxTokens / ContextHardRatio mirror AgentLoopConfig's guardrails;
	// compaction triggers once the derived context estimate crosses
	// ContextMaxTokens * ContextHardRatio.
	ContextMaxTokens int
	ContextHardRatio float64
	// KeepRecentTokens is the budget handed to session.FindCutPoint — how
	// much of the tail conversation survives a compaction untouched.
	KeepRecentTokens int
	// SteeringMode controls how queued steering messages drain between turns.
	SteeringMode service.SteeringMode
	// AvailableModels is the ordered list CycleModel rotates through. The
	// controller starts at the first entry and CycleModel walks the list in
	// order.
	AvailableModels []ModelOption
}

// ModelOption is one entry in the model-cycling list (spec.md §4.4 "Model
// cycling"): a provider/model pair plus the highest thinking tier that
// model supports, used to clamp ChangeThinkingLevel after a switch.
type ModelOption struct {
	Provider     string
	ModelID      string
	MaxThinking  string // highest tier in thinkingTiers this model supports
	HasAPIKey    bool   // resolvable API key; CycleModel skips entries without one
}

// DefaultControllerConfig mirrors DefaultAgentLoopConfig's guardrail values.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ContextMaxTokens: 128000,
		ContextHardRatio: 0.85,
		KeepRecentTokens: 20000,
		SteeringMode:     service.SteeringOneAtATime,
	}
}

// thinkingTiers is the ordered set spec.md §4.4 "Thinking cycling" defines:
// off → minimal → low → medium → high [→ xhigh]. xhigh is only reachable
// when the current model's MaxThinking names it.
var thinkingTiers = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

func thinkingTierIndex(level string) int {
	for i, t := range thinkingTiers {
		if t == level {
			return i
		}
	}
	return 0
}

// ToolSwitcher is the narrow interface Controller needs to implement
// set_active_tools_by_name (spec.md §4.4): filter the registered tool set
// by name without mutating the underlying registry.
type ToolSwitcher interface {
	SetActive(names []string)
	ActiveNames() []string
}

// Controller is the C8 session controller: it composes the append-only
// session journal (C6, internal/session) with the ReAct agent loop (C7,
// domain/service.AgentLoop), turning a raw user message into persisted
// session entries and driving auto-compaction, model/thinking-level
// switches, and steering/follow-up injection across turns.
type Controller struct {
	store  *session.Store
	loop   *service.AgentLoop
	llm    service.LLMClient
	cfg    ControllerConfig
	logger *zap.Logger

	steering *service.MessageQueue
	followUp *service.MessageQueue

	systemPrompt string
	model        string
	provider     string
	thinkingLvl  string

	tools    ToolSwitcher
	modelIdx int
	bus      eventbus.Bus
}

// SetEventBus wires an event bus the controller republishes every agent
// event onto (topic "agent.<type>"), so listeners beyond the per-turn event
// channel — loggers, recorders — can subscribe without touching the shell's
// consumption. Optional; nil means no republication.
func (c *Controller) SetEventBus(b eventbus.Bus) { c.bus = b }

// SetToolSwitcher wires the tool-set filter set_active_tools_by_name drives.
// Optional: if never called, SetActiveTools is a no-op.
func (c *Controller) SetToolSwitcher(ts ToolSwitcher) { c.tools = ts }

// SetActiveTools implements spec.md §4.4's set_active_tools_by_name: narrow
// the tool set offered to the LLM to exactly names (empty restores the full
// set). Only the tool filter changes; the system prompt is not rebuilt.
func (c *Controller) SetActiveTools(names []string) {
	if c.tools == nil {
		return
	}
	c.tools.SetActive(names)
}

// ActiveToolNames returns the current tool-set filter, or nil if unfiltered.
func (c *Controller) ActiveToolNames() []string {
	if c.tools == nil {
		return nil
	}
	return c.tools.ActiveNames()
}

// NewController wires a session store and agent loop together. systemPrompt
// is the static system prompt prepended to every derived context; model and
// provider seed the session's initial model_change bookkeeping.
func NewController(store *session.Store, loop *service.AgentLoop, llm service.LLMClient, cfg ControllerConfig, logger *zap.Logger, systemPrompt, provider, model string) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContextMaxTokens <= 0 {
		cfg.ContextMaxTokens = 128000
	}
	if cfg.ContextHardRatio <= 0 {
		cfg.ContextHardRatio = 0.85
	}
	if cfg.KeepRecentTokens <= 0 {
		cfg.KeepRecentTokens = 20000
	}
	if cfg.SteeringMode == "" {
		cfg.SteeringMode = service.SteeringOneAtATime
	}

	steering := service.NewMessageQueue()
	followUp := service.NewMessageQueue()
	loop.SetQueues(steering, followUp, cfg.SteeringMode)

	return &Controller{
		store:        store,
		loop:         loop,
		llm:          llm,
		cfg:          cfg,
		logger:       logger,
		steering:     steering,
		followUp:     followUp,
		systemPrompt: systemPrompt,
		provider:     provider,
		model:        model,
	}
}

// Store returns the underlying session store, for callers (the shell) that
// need direct tree access (e.g. SetLeaf for /new) beyond what Controller
// exposes.
func (c *Controller) Store() *session.Store { return c.store }

// Provider and Model return the model currently selected for the next turn.
func (c *Controller) Provider() string { return c.provider }
func (c *Controller) Model() string    { return c.model }

// Steer enqueues a steering message: injected between turns, preempting any
// tool calls still pending in the current batch.
func (c *Controller) Steer(text string) {
	c.steering.Push(service.LLMMessage{Role: "user", Content: text})
}

// QueueFollowUp enqueues a follow-up message: drained only once the loop
// would otherwise terminate.
func (c *Controller) QueueFollowUp(text string) {
	c.followUp.Push(service.LLMMessage{Role: "user", Content: text})
}

// Turn is the result of SubmitUserMessage: the assistant's persisted entry
// plus whatever auto-compaction happened as a side effect.
type Turn struct {
	UserEntry      *session.SessionEntry
	AssistantEntry *session.SessionEntry
	ToolEntries    []*session.SessionEntry
	Compacted      bool
}

// SubmitUserMessage appends the user's message, derives the LLM-ready
// context from the current leaf, runs one pass of the agent loop, persists
// every resulting assistant/tool-result entry, and checks whether the
// context now needs compacting.
func (c *Controller) SubmitUserMessage(ctx context.Context, text string) (*Turn, <-chan entity.AgentEvent, error) {
	userEntry, err := c.store.AppendMessage(session.Message{
		Role:      session.RoleUser,
		Content:   []session.ContentBlock{session.TextBlock(text)},
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}

	history, err := c.deriveLLMHistory(userEntry.ID)
	if err != nil {
		return nil, nil, err
	}

	result, rawEvents := c.loop.Run(ctx, c.systemPrompt, text, history, c.model)

	turn := &Turn{UserEntry: userEntry}
	outCh := make(chan entity.AgentEvent, 64)

	go func() {
		defer close(outCh)
		for ev := range rawEvents {
			c.persistEvent(turn, ev)
			if c.bus != nil {
				c.bus.Publish(ctx, eventbus.NewEvent("agent."+string(ev.Type), ev))
			}
			outCh <- ev
		}

		assistantEntry, err := c.store.AppendMessage(session.Message{
			Role:       session.RoleAssistant,
			Content:    []session.ContentBlock{session.TextBlock(result.FinalContent)},
			Timestamp:  time.Now(),
			Provider:   c.provider,
			ModelID:    result.ModelUsed,
			StopReason: session.StopReasonStop,
		})
		if err != nil {
			c.logger.Error("persist final assistant entry failed", zap.Error(err))
			return
		}
		turn.AssistantEntry = assistantEntry

		if compacted, cerr := c.maybeCompact(ctx); cerr != nil {
			c.logger.Warn("auto-compaction failed", zap.Error(cerr))
		} else {
			turn.Compacted = compacted
		}
	}()

	return turn, outCh, nil
}

// persistEvent mirrors a subset of agent-loop events into session entries:
// ToolStart becomes a ToolCallBlock on a synthetic assistant-in-progress
// message entry, ToolEnd becomes a toolResult message entry. Other events,
// streaming MessageUpdate deltas included, are not persisted here; the
// assistant's final text is appended as one message entry per run by
// SubmitUserMessage once the event stream has closed.
func (c *Controller) persistEvent(turn *Turn, ev entity.AgentEvent) {
	switch ev.Type {
	case entity.EventToolStart:
		e, err := c.store.AppendMessage(session.Message{
			Role: session.RoleAssistant,
			Content: []session.ContentBlock{
				session.ToolCallBlock(ev.ToolID, ev.ToolName, ev.ToolArgs),
			},
			Timestamp: time.Now(),
		})
		if err != nil {
			c.logger.Error("persist tool_start entry failed", zap.Error(err))
			return
		}
		turn.ToolEntries = append(turn.ToolEntries, e)
	case entity.EventToolEnd:
		e, err := c.store.AppendMessage(session.Message{
			Role:       session.RoleToolResult,
			ToolCallID: ev.ToolID,
			ToolName:   ev.ToolName,
			IsError:    ev.ToolIsError,
			Content:    []session.ContentBlock{session.TextBlock(ev.ToolOutput)},
			Timestamp:  time.Now(),
		})
		if err != nil {
			c.logger.Error("persist tool_end entry failed", zap.Error(err))
			return
		}
		turn.ToolEntries = append(turn.ToolEntries, e)
	}
}

// ChangeModel appends a model_change entry and switches the model the next
// turn runs with.
func (c *Controller) ChangeModel(provider, modelID string) error {
	if _, err := c.store.Append(&session.SessionEntry{
		Type:     session.EntryTypeModelChange,
		Provider: provider,
		ModelID:  modelID,
	}); err != nil {
		return err
	}
	c.provider = provider
	c.model = modelID
	return nil
}

// ChangeThinkingLevel appends a thinking_level_change entry.
func (c *Controller) ChangeThinkingLevel(level string) error {
	if _, err := c.store.Append(&session.SessionEntry{
		Type:  session.EntryTypeThinkingLevelChange,
		Level: level,
	}); err != nil {
		return err
	}
	c.thinkingLvl = level
	return nil
}

// ThinkingLevel returns the level currently selected for the next turn.
func (c *Controller) ThinkingLevel() string { return c.thinkingLvl }

// CycleModel rotates through cfg.AvailableModels (spec.md §4.4 "Model
// cycling"), skipping entries without a resolvable API key, and clamps the
// thinking level to the new model's MaxThinking tier if the current level
// now exceeds it. direction is +1 (next) or -1 (previous).
func (c *Controller) CycleModel(direction int) (ModelOption, error) {
	opts := c.cfg.AvailableModels
	if len(opts) == 0 {
		return ModelOption{}, fmt.Errorf("no models configured to cycle through")
	}
	if direction == 0 {
		direction = 1
	}

	for step := 1; step <= len(opts); step++ {
		idx := ((c.modelIdx+direction*step)%len(opts) + len(opts)) % len(opts)
		opt := opts[idx]
		if !opt.HasAPIKey {
			continue
		}
		c.modelIdx = idx
		if err := c.ChangeModel(opt.Provider, opt.ModelID); err != nil {
			return ModelOption{}, err
		}
		if opt.MaxThinking != "" && thinkingTierIndex(c.thinkingLvl) > thinkingTierIndex(opt.MaxThinking) {
			if err := c.ChangeThinkingLevel(opt.MaxThinking); err != nil {
				return ModelOption{}, err
			}
		}
		return opt, nil
	}
	return ModelOption{}, fmt.Errorf("no model with a resolvable API key to cycle to")
}

// CycleThinkingLevel steps through thinkingTiers, clamped to the currently
// selected model's MaxThinking tier (if known from cfg.AvailableModels).
// direction is +1 (up) or -1 (down).
func (c *Controller) CycleThinkingLevel(direction int) string {
	if direction == 0 {
		direction = 1
	}
	maxIdx := len(thinkingTiers) - 1
	for _, opt := range c.cfg.AvailableModels {
		if opt.Provider == c.provider && opt.ModelID == c.model && opt.MaxThinking != "" {
			maxIdx = thinkingTierIndex(opt.MaxThinking)
			break
		}
	}

	idx := thinkingTierIndex(c.thinkingLvl) + direction
	if idx < 0 {
		idx = 0
	}
	if idx > maxIdx {
		idx = maxIdx
	}
	level := thinkingTiers[idx]
	if err := c.ChangeThinkingLevel(level); err != nil {
		c.logger.Warn("thinking level cycle failed to persist", zap.Error(err))
	}
	return level
}

// deriveLLMHistory derives the session.Context for leafID and converts it
// into the []LLMMessage shape the agent loop consumes.
func (c *Controller) deriveLLMHistory(leafID string) ([]service.LLMMessage, error) {
	derived, err := c.store.DeriveContext(leafID)
	if err != nil {
		return nil, err
	}

	out := make([]service.LLMMessage, 0, len(derived.Messages))
	for _, m := range derived.Messages {
		out = append(out, toLLMMessage(m))
	}
	return out, nil
}

func toLLMMessage(m session.Message) service.LLMMessage {
	role := string(m.Role)
	if m.Role == session.RoleToolResult {
		role = "tool"
	}
	msg := service.LLMMessage{
		Role:       role,
		Content:    m.Text(),
		ToolCallID: m.ToolCallID,
		Name:       m.ToolName,
	}
	for _, tc := range m.ToolCallBlocks() {
		msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{
			ID:        tc.ToolCallID,
			Name:      tc.ToolName,
			Arguments: tc.ToolArgs,
		})
	}
	return msg
}

// maybeCompact drives spec.md §4.4.2's two compaction paths. The overflow
// path fires unconditionally when the turn's own assistant entry reports a
// context-overflow error (the provider itself rejected the request as too
// large) — there is no threshold check, because the provider has already
// told us we're over budget. Otherwise the threshold path applies: compact
// only once the derived context estimate crosses ContextMaxTokens *
// ContextHardRatio.
func (c *Controller) maybeCompact(ctx context.Context) (bool, error) {
	leaf := c.store.Leaf()
	if leaf == "" {
		return false, nil
	}

	path, err := c.store.PathToRoot(leaf)
	if err != nil {
		return false, err
	}

	if isContextOverflow(path) {
		return c.compact(ctx, path, true)
	}

	total := 0
	for _, e := range path {
		total += session.DefaultTokenEstimator(e)
	}
	limit := int(float64(c.cfg.ContextMaxTokens) * c.cfg.ContextHardRatio)
	if total <= limit {
		return false, nil
	}
	return c.compact(ctx, path, false)
}

// isContextOverflow reports whether the leaf's own assistant entry errored
// out with a context-overflow stop reason — the provider's own signal that
// the request was too large, independent of our own token estimate.
func isContextOverflow(path []*session.SessionEntry) bool {
	if len(path) == 0 {
		return false
	}
	e := path[len(path)-1]
	if e.Type != session.EntryTypeMessage || e.Message == nil {
		return false
	}
	m := e.Message
	if m.Role != session.RoleAssistant || m.StopReason != session.StopReasonError {
		return false
	}
	return strings.Contains(strings.ToLower(m.ErrorMessage), "context") &&
		(strings.Contains(strings.ToLower(m.ErrorMessage), "too long") ||
			strings.Contains(strings.ToLower(m.ErrorMessage), "overflow") ||
			strings.Contains(strings.ToLower(m.ErrorMessage), "exceed") ||
			strings.Contains(strings.ToLower(m.ErrorMessage), "maximum"))
}

// compact summarizes the to-be-dropped prefix and appends a compaction
// entry. On the overflow path the errored assistant entry is left off the
// branch: the compaction entry is appended off its parent, so the error stays
// in the file but never reaches the derived context.
func (c *Controller) compact(ctx context.Context, path []*session.SessionEntry, overflow bool) (bool, error) {
	total := 0
	for _, e := range path {
		total += session.DefaultTokenEstimator(e)
	}

	var errParent *string
	if overflow && len(path) > 1 {
		errParent = path[len(path)-1].ParentID
		path = path[:len(path)-1]
	}

	keepBudget := c.cfg.KeepRecentTokens
	if overflow {
		// The overflow path must shed enough to actually fit; halve the
		// normal tail budget so the cut point moves further back.
		keepBudget = c.cfg.KeepRecentTokens / 2
	}

	cut := session.FindCutPoint(path, keepBudget, session.DefaultTokenEstimator)
	if cut.Index <= 0 {
		cut.Index = 1
	}
	if cut.Index >= len(path) {
		cut.Index = len(path) - 1
	}
	if cut.Index <= 0 {
		return false, nil
	}

	dropped := path[:cut.Index]
	kept := path[cut.Index]

	summary, err := c.summarize(ctx, dropped)
	if err != nil {
		c.logger.Warn("compaction summarization failed, using fallback", zap.Error(err))
		summary = fallbackSummary(dropped)
	}

	if errParent != nil {
		if err := c.store.SetLeaf(*errParent); err != nil {
			return false, err
		}
	}
	if _, err := c.store.Append(&session.SessionEntry{
		Type:             session.EntryTypeCompaction,
		Summary:          summary,
		FirstKeptEntryID: kept.ID,
		TokensBefore:     total,
		Details:          overflowDetail(overflow),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func overflowDetail(overflow bool) string {
	if overflow {
		return "overflow"
	}
	return "threshold"
}

// summarize asks the LLM for a structured plain-text summary of the entries
// being dropped: Goal, Constraints, Progress, Key Decisions, Next Steps,
// Critical Context.
func (c *Controller) summarize(ctx context.Context, dropped []*session.SessionEntry) (string, error) {
	if c.llm == nil {
		return fallbackSummary(dropped), nil
	}

	var lines []string
	for _, e := range dropped {
		if e.Type != session.EntryTypeMessage || e.Message == nil {
			continue
		}
		text := e.Message.Text()
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", e.Message.Role, text))
	}
	if len(lines) == 0 {
		return fallbackSummary(dropped), nil
	}

	const prompt = `Summarize the conversation so far for continuation by another agent. Use exactly these section headers, each followed by concise bullet points:

Goal
Constraints
Progress
Key Decisions
Next Steps
Critical Context

Drop specific code content; keep file paths and outcomes. Drop intermediate debugging output.`

	cctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	resp, err := c.llm.Generate(cctx, &service.LLMRequest{
		Temperature: 0.2,
		MaxTokens:   800,
		Messages: []service.LLMMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: strings.Join(lines, "\n")},
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return fallbackSummary(dropped), nil
	}
	return resp.Content, nil
}

// fallbackSummary builds a truncation-based summary when the LLM is
// unavailable, mirroring domain/service/compaction.go's truncationSummary.
func fallbackSummary(dropped []*session.SessionEntry) string {
	var userCount, assistantCount, toolCount int
	for _, e := range dropped {
		if e.Type != session.EntryTypeMessage || e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case session.RoleUser:
			userCount++
		case session.RoleAssistant:
			assistantCount++
		case session.RoleToolResult:
			toolCount++
		}
	}
	return fmt.Sprintf("Goal\n(unavailable — LLM summarization failed)\n\nProgress\n%d user messages, %d assistant turns, %d tool results occurred before this point.",
		userCount, assistantCount, toolCount)
}

// Stats aggregates spec.md §4.4's "/status" figures across the path to the
// current leaf: per-role message counts, tool-call count, summed token
// usage, and total cost.
type Stats struct {
	UserMessages      int
	AssistantMessages int
	ToolCalls         int
	ToolResults       int
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheWriteTokens  int
	CostUSD           float64
	Compactions       int
}

// Stats walks the path to the current leaf and aggregates role counts,
// tool-call counts, and token/cost totals.
func (c *Controller) Stats() (Stats, error) {
	var s Stats
	leaf := c.store.Leaf()
	if leaf == "" {
		return s, nil
	}
	path, err := c.store.PathToRoot(leaf)
	if err != nil {
		return s, err
	}
	for _, e := range path {
		switch e.Type {
		case session.EntryTypeCompaction:
			s.Compactions++
		case session.EntryTypeMessage:
			if e.Message == nil {
				continue
			}
			m := e.Message
			switch m.Role {
			case session.RoleUser:
				s.UserMessages++
			case session.RoleAssistant:
				s.AssistantMessages++
				s.ToolCalls += len(m.ToolCallBlocks())
			case session.RoleToolResult:
				s.ToolResults++
			}
			if m.Usage != nil {
				s.InputTokens += m.Usage.InputTokens
				s.OutputTokens += m.Usage.OutputTokens
				s.CacheReadTokens += m.Usage.CacheReadTokens
				s.CacheWriteTokens += m.Usage.CacheWriteTokens
				s.CostUSD += m.Usage.CostUSD
			}
		}
	}
	return s, nil
}
