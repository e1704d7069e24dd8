package application

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/eventbus"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/session"
	"go.uber.org/zap"
)

// fixedLLM answers every call with the same content.
type fixedLLM struct {
	content string
}

func (f *fixedLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: f.content, ModelUsed: req.Model}, nil
}

func (f *fixedLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	if deltaCh != nil {
		deltaCh <- service.StreamChunk{DeltaText: f.content}
	}
	return &service.LLMResponse{Content: f.content, ModelUsed: req.Model}, nil
}

type noTools struct{}

func (noTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "", Success: true}, nil
}
func (noTools) GetDefinitions() []domaintool.Definition { return nil }
func (noTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindRead }

func newTestController(t *testing.T, cfg ControllerConfig) (*Controller, *session.Store) {
	t.Helper()
	store, err := session.New(t.TempDir(), "/tmp/project", zap.NewNop())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.RetryBaseWait = time.Millisecond
	loop := service.NewAgentLoop(&fixedLLM{content: "hi"}, noTools{}, loopCfg, zap.NewNop())

	return NewController(store, loop, nil, cfg, zap.NewNop(), "system", "stub", "stub-model"), store
}

func runTurn(t *testing.T, c *Controller, text string) *Turn {
	t.Helper()
	turn, events, err := c.SubmitUserMessage(context.Background(), text)
	if err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	timeout := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return turn
			}
		case <-timeout:
			t.Fatal("timed out draining turn events")
		}
	}
}

func TestSubmitUserMessagePersistsTurn(t *testing.T) {
	c, store := newTestController(t, DefaultControllerConfig())

	turn := runTurn(t, c, "hello")

	if turn.UserEntry == nil || turn.UserEntry.Message.Text() != "hello" {
		t.Fatalf("user entry not persisted: %+v", turn.UserEntry)
	}
	if turn.AssistantEntry == nil || turn.AssistantEntry.Message.Text() != "hi" {
		t.Fatalf("assistant entry not persisted: %+v", turn.AssistantEntry)
	}
	if store.Leaf() != turn.AssistantEntry.ID {
		t.Errorf("leaf should track the assistant entry, got %s", store.Leaf())
	}

	derived, err := store.DeriveContext(store.Leaf())
	if err != nil {
		t.Fatalf("DeriveContext: %v", err)
	}
	if len(derived.Messages) != 2 {
		t.Fatalf("expected user+assistant in derived context, got %d messages", len(derived.Messages))
	}
	if derived.Messages[0].Role != session.RoleUser || derived.Messages[1].Role != session.RoleAssistant {
		t.Errorf("derived roles wrong: %s, %s", derived.Messages[0].Role, derived.Messages[1].Role)
	}
}

func TestThresholdCompactionAppendsEntry(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.ContextMaxTokens = 40
	cfg.ContextHardRatio = 0.5 // limit: 20 estimated tokens
	cfg.KeepRecentTokens = 10
	c, store := newTestController(t, cfg)

	// ~100 estimated tokens of user text pushes the branch over the limit.
	turn := runTurn(t, c, strings.Repeat("both ways matter ", 25))

	if !turn.Compacted {
		t.Fatal("expected the turn to trigger threshold compaction")
	}

	var comp *session.SessionEntry
	for _, e := range store.Entries() {
		if e.Type == session.EntryTypeCompaction {
			comp = e
		}
	}
	if comp == nil {
		t.Fatal("no compaction entry appended")
	}
	if comp.FirstKeptEntryID == "" {
		t.Error("compaction entry missing first_kept_entry_id")
	}
	if comp.TokensBefore <= 0 {
		t.Error("compaction entry missing tokens_before")
	}

	derived, err := store.DeriveContext(store.Leaf())
	if err != nil {
		t.Fatalf("DeriveContext: %v", err)
	}
	if len(derived.Messages) == 0 {
		t.Fatal("derived context empty after compaction")
	}
	first := derived.Messages[0]
	if first.Role != session.RoleUser || !strings.HasPrefix(first.Text(), "[Previous conversation summary]") {
		t.Errorf("derived context should open with the summary prefix, got %q", first.Text())
	}
}

func TestCycleModelSkipsEntriesWithoutKeys(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.AvailableModels = []ModelOption{
		{Provider: "a", ModelID: "m-a", HasAPIKey: false},
		{Provider: "b", ModelID: "m-b", HasAPIKey: true, MaxThinking: "xhigh"},
		{Provider: "c", ModelID: "m-c", HasAPIKey: true, MaxThinking: "medium"},
	}
	c, store := newTestController(t, cfg)

	opt, err := c.CycleModel(1)
	if err != nil {
		t.Fatalf("CycleModel: %v", err)
	}
	if opt.ModelID != "m-b" {
		t.Errorf("cycle should skip the keyless model, got %s", opt.ModelID)
	}
	if c.Model() != "m-b" || c.Provider() != "b" {
		t.Errorf("controller model not updated: %s/%s", c.Provider(), c.Model())
	}

	var changes int
	for _, e := range store.Entries() {
		if e.Type == session.EntryTypeModelChange {
			changes++
		}
	}
	if changes != 1 {
		t.Errorf("expected 1 model_change entry, got %d", changes)
	}
}

func TestModelSwitchClampsThinkingLevel(t *testing.T) {
	cfg := DefaultControllerConfig()
	cfg.AvailableModels = []ModelOption{
		{Provider: "z", ModelID: "m-z", HasAPIKey: false},
		{Provider: "a", ModelID: "m-a", HasAPIKey: true, MaxThinking: "xhigh"},
		{Provider: "b", ModelID: "m-b", HasAPIKey: true, MaxThinking: "medium"},
	}
	c, store := newTestController(t, cfg)

	if err := c.ChangeThinkingLevel("high"); err != nil {
		t.Fatalf("ChangeThinkingLevel: %v", err)
	}

	// First cycle lands on m-a (xhigh cap): "high" survives.
	if _, err := c.CycleModel(1); err != nil {
		t.Fatalf("CycleModel: %v", err)
	}
	if c.ThinkingLevel() != "high" {
		t.Errorf("level should survive a switch to a higher-cap model, got %s", c.ThinkingLevel())
	}

	// Second cycle lands on m-b (medium cap): "high" clamps down.
	if _, err := c.CycleModel(1); err != nil {
		t.Fatalf("CycleModel: %v", err)
	}
	if c.ThinkingLevel() != "medium" {
		t.Errorf("level should clamp to the new model's cap, got %s", c.ThinkingLevel())
	}

	var levelChanges []string
	for _, e := range store.Entries() {
		if e.Type == session.EntryTypeThinkingLevelChange {
			levelChanges = append(levelChanges, e.Level)
		}
	}
	if len(levelChanges) != 2 || levelChanges[0] != "high" || levelChanges[1] != "medium" {
		t.Errorf("expected persisted level changes [high medium], got %v", levelChanges)
	}
}

func TestCycleThinkingLevelSteps(t *testing.T) {
	c, _ := newTestController(t, DefaultControllerConfig())

	if got := c.CycleThinkingLevel(1); got != "minimal" {
		t.Errorf("first step up from off should be minimal, got %s", got)
	}
	if got := c.CycleThinkingLevel(1); got != "low" {
		t.Errorf("second step should be low, got %s", got)
	}
	if got := c.CycleThinkingLevel(-1); got != "minimal" {
		t.Errorf("step down should return to minimal, got %s", got)
	}
	if got := c.CycleThinkingLevel(-1); got != "off" {
		t.Errorf("step down should return to off, got %s", got)
	}
	if got := c.CycleThinkingLevel(-1); got != "off" {
		t.Errorf("stepping below off should stay at off, got %s", got)
	}
}

func TestStatsAggregatesBranch(t *testing.T) {
	c, store := newTestController(t, DefaultControllerConfig())

	if _, err := store.AppendMessage(session.Message{
		Role:    session.RoleUser,
		Content: []session.ContentBlock{session.TextBlock("question")},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendMessage(session.Message{
		Role: session.RoleAssistant,
		Content: []session.ContentBlock{
			session.TextBlock("working on it"),
			session.ToolCallBlock("t1", "read", nil),
		},
		Usage: &session.Usage{InputTokens: 100, OutputTokens: 40, CacheReadTokens: 10, CostUSD: 0.02},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendMessage(session.Message{
		Role:       session.RoleToolResult,
		ToolCallID: "t1",
		ToolName:   "read",
		Content:    []session.ContentBlock{session.TextBlock("contents")},
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.UserMessages != 1 || stats.AssistantMessages != 1 || stats.ToolResults != 1 {
		t.Errorf("role counts wrong: %+v", stats)
	}
	if stats.ToolCalls != 1 {
		t.Errorf("expected 1 tool call, got %d", stats.ToolCalls)
	}
	if stats.InputTokens != 100 || stats.OutputTokens != 40 || stats.CacheReadTokens != 10 {
		t.Errorf("token sums wrong: %+v", stats)
	}
	if stats.CostUSD != 0.02 {
		t.Errorf("cost sum wrong: %f", stats.CostUSD)
	}
}

// Steering and follow-up enqueues must reach the loop's queues verbatim.
func TestSteerAndFollowUpReachQueues(t *testing.T) {
	c, _ := newTestController(t, DefaultControllerConfig())

	c.Steer("change of plan")
	c.QueueFollowUp("then do this")

	if got := c.steering.Len(); got != 1 {
		t.Errorf("steering queue length = %d", got)
	}
	if got := c.followUp.Len(); got != 1 {
		t.Errorf("follow-up queue length = %d", got)
	}
	msgs := c.steering.Drain(service.SteeringAll)
	if len(msgs) != 1 || msgs[0].Content != "change of plan" || msgs[0].Role != "user" {
		t.Errorf("steering message mangled: %+v", msgs)
	}
}

// Every agent event must be republished on the wired bus under "agent.<type>".
func TestControllerRepublishesEventsOnBus(t *testing.T) {
	c, _ := newTestController(t, DefaultControllerConfig())

	bus := eventbus.NewInMemoryBus(zap.NewNop(), 256)
	defer bus.Close()

	var mu sync.Mutex
	var seen []string
	bus.Subscribe("*", func(ctx context.Context, ev eventbus.Event) {
		mu.Lock()
		seen = append(seen, ev.Type())
		mu.Unlock()
	})
	c.SetEventBus(bus)

	runTurn(t, c, "hello")

	// Bus dispatch is asynchronous; give it a moment to drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no events republished on the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStart bool
	for _, s := range seen {
		if s == "agent.agent_start" {
			sawStart = true
		}
	}
	if !sawStart {
		t.Errorf("expected agent.agent_start among republished events, got %v", seen)
	}
}
