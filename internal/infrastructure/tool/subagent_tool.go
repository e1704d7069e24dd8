package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	domainagent "github.com/ngoclaw/ngoclaw/gateway/internal/domain/agent"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// spawnParentKey is the context key carrying the current sub-agent's spawner
// ID, so nested spawn_agent calls register as children of the right parent
// and the spawner can enforce the depth limit.
type spawnParentKey struct{}

// maxSpawnDepth bounds sub-agent nesting.
const maxSpawnDepth = 2

// SubAgentTool allows the main agent to delegate sub-tasks to a new AgentLoop instance.
// Single-task delegation spawns one child; the "subtasks" form runs a dependency
// graph of children through the DAG executor.
type SubAgentTool struct {
	llm             service.LLMClient
	tools           service.ToolExecutor
	spawner         domainagent.Spawner
	defaultModel    string
	defaultMaxSteps int
	timeout         time.Duration
	logger          *zap.Logger
}

func NewSubAgentTool(llm service.LLMClient, tools service.ToolExecutor, defaultModel string, maxSteps int, timeout time.Duration, logger *zap.Logger) *SubAgentTool {
	if maxSteps <= 0 {
		maxSteps = 25
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &SubAgentTool{
		llm:             llm,
		tools:           tools,
		spawner:         domainagent.NewInMemorySpawner(logger, maxSpawnDepth),
		defaultModel:    defaultModel,
		defaultMaxSteps: maxSteps,
		timeout:         timeout,
		logger:          logger,
	}
}

func (t *SubAgentTool) Name() string          { return "spawn_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SubAgentTool) Description() string {
	return "Delegate a sub-task to an independent agent that has access to all the same tools. " +
		"Use this for complex tasks that benefit from focused, isolated execution. " +
		"The sub-agent runs its own ReAct loop and returns the final result. " +
		"For multi-part work, pass 'subtasks' with optional depends_on links and the parts run " +
		"as a dependency graph, independent parts in parallel. " +
		"Example: spawning an agent to audit a codebase, research a topic, or execute a multi-step procedure."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the sub-task for the agent to complete",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt to give the sub-agent a specific role or context",
			},
			"subtasks": map[string]interface{}{
				"type":        "array",
				"description": "Instead of a single task: a list of named subtasks forming a dependency graph",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":   map[string]interface{}{"type": "string", "description": "Unique subtask name"},
						"task": map[string]interface{}{"type": "string", "description": "What this subtask should do"},
						"depends_on": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "IDs of subtasks that must finish first",
						},
					},
					"required": []string{"id", "task"},
				},
			},
			"max_steps": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum reasoning steps for the sub-agent (default: %d)", t.defaultMaxSteps),
			},
		},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	parentID, _ := ctx.Value(spawnParentKey{}).(string)

	systemPrompt := ""
	if sp, ok := args["system_prompt"].(string); ok {
		systemPrompt = sp
	}

	if raw, ok := args["subtasks"].([]interface{}); ok && len(raw) > 0 {
		return t.executeGraph(ctx, parentID, systemPrompt, raw)
	}

	task, ok := args["task"].(string)
	if !ok || task == "" {
		return &domaintool.Result{Success: false, Error: "task is required (or pass subtasks)"}, nil
	}

	spawnCfg := domainagent.DefaultSpawnConfig("sub-agent")
	spawnCfg.SystemPrompt = systemPrompt
	spawnCfg.Timeout = t.timeout
	spawnCfg.MaxDepth = maxSpawnDepth

	spawned, err := t.spawner.Spawn(ctx, parentID, spawnCfg)
	if err != nil {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("cannot spawn sub-agent: %v", err),
		}, nil
	}

	t.logger.Info("Spawning sub-agent",
		zap.String("agent_id", spawned.ID),
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("depth", spawned.Depth),
	)

	output, result, toolsUsed, runErr := t.runOne(ctx, spawned, task)
	if runErr != nil {
		return &domaintool.Result{Success: false, Error: runErr.Error()}, nil
	}

	// Format output
	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(output)
	sb.WriteString("\n\n--- Execution Summary ---\n")
	sb.WriteString(fmt.Sprintf("Steps: %d | Tokens: %d | Model: %s\n", result.TotalSteps, result.TotalTokens, result.ModelUsed))
	if len(toolsUsed) > 0 {
		sb.WriteString(fmt.Sprintf("Tools used: %s\n", strings.Join(uniqueStrings(toolsUsed), ", ")))
	}

	return &domaintool.Result{
		Output:  sb.String(),
		Success: true,
		Metadata: map[string]interface{}{
			"agent_id":   spawned.ID,
			"steps":      result.TotalSteps,
			"tokens":     result.TotalTokens,
			"model":      result.ModelUsed,
			"tools_used": toolsUsed,
		},
	}, nil
}

// runOne runs a single spawned child through its own AgentLoop to completion,
// tracking its status in the spawner along the way.
func (t *SubAgentTool) runOne(ctx context.Context, spawned *domainagent.SpawnedAgent, task string) (string, *service.AgentResult, []string, error) {
	spawned.SetStatus(domainagent.AgentStatusRunning)

	cfg := service.AgentLoopConfig{
		DoomLoopThreshold: 3,
		MaxOutputChars:    32000,
		Temperature:       0.7,
		Model:             t.defaultModel,
	}
	subAgent := service.NewAgentLoop(t.llm, t.tools, cfg, t.logger.Named("sub-agent"))

	subCtx := context.WithValue(ctx, spawnParentKey{}, spawned.ID)
	subCtx, cancel := context.WithTimeout(subCtx, t.timeout)
	defer cancel()

	result, eventCh := subAgent.Run(subCtx, spawned.SystemPrompt, task, nil, "")

	// Drain events (we don't stream them to the parent, just wait for completion)
	var toolsUsed []string
	for ev := range eventCh {
		if ev.Type == entity.EventToolStart {
			toolsUsed = append(toolsUsed, ev.ToolName)
		}
	}

	spawned.SetStatus(domainagent.AgentStatusCompleted)

	t.logger.Info("Sub-agent completed",
		zap.String("agent_id", spawned.ID),
		zap.Int("steps", result.TotalSteps),
		zap.Int("tokens", result.TotalTokens),
		zap.String("model", result.ModelUsed),
		zap.Int("tools_used", len(toolsUsed)),
	)

	return result.FinalContent, result, toolsUsed, nil
}

// executeGraph runs the subtasks form: each subtask becomes a DAG node, the
// DAG executor spawns a child per node (independent nodes in parallel) and
// collects per-node results.
func (t *SubAgentTool) executeGraph(ctx context.Context, parentID, systemPrompt string, raw []interface{}) (*domaintool.Result, error) {
	nodes := make([]*domainagent.DAGNode, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return &domaintool.Result{Success: false, Error: "each subtask must be an object with id and task"}, nil
		}
		id, _ := m["id"].(string)
		task, _ := m["task"].(string)
		if id == "" || task == "" {
			return &domaintool.Result{Success: false, Error: "each subtask needs a non-empty id and task"}, nil
		}
		var deps []string
		if rawDeps, ok := m["depends_on"].([]interface{}); ok {
			for _, d := range rawDeps {
				if s, ok := d.(string); ok {
					deps = append(deps, s)
				}
			}
		}

		cfg := domainagent.DefaultSpawnConfig(id)
		cfg.SystemPrompt = systemPrompt
		cfg.Timeout = t.timeout
		cfg.MaxDepth = maxSpawnDepth

		nodes = append(nodes, &domainagent.DAGNode{
			ID:           id,
			AgentConfig:  cfg,
			Dependencies: deps,
			Metadata:     map[string]string{"input": task},
		})
	}

	runFn := func(ctx context.Context, spawned *domainagent.SpawnedAgent, input string) (string, error) {
		output, _, _, err := t.runOne(ctx, spawned, input)
		return output, err
	}

	executor := domainagent.NewDAGExecutor(t.spawner, runFn, domainagent.DAGConfig{
		ParentID:    parentID,
		MaxParallel: 2,
	}, t.logger)

	results, err := executor.Execute(ctx, nodes)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("subtask graph failed: %v", err)}, nil
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Graph Results ===\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", id, results[id])
	}
	return &domaintool.Result{
		Output:  sb.String(),
		Success: true,
		Metadata: map[string]interface{}{
			"subtasks": len(nodes),
		},
	}, nil
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
