package shell

import (
	"fmt"
	"strings"
)

// SlashCommand is a parsed "/name arg1 arg2" input line for the shell's
// controller-backed command set.
type SlashCommand struct {
	Name string
	Args []string
}

// ParseSlashCommand parses input as a slash command, or returns nil if it
// isn't one.
func ParseSlashCommand(input string) *SlashCommand {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return nil
	}
	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &SlashCommand{Name: name, Args: args}
}

// commandResult is the outcome of dispatching a slash command against the
// shell's controller.
type commandResult struct {
	output  string
	isQuit  bool
	isBranch bool
}

// dispatch executes a slash command against the shell state, driving the C8
// session controller.
func (s *Shell) dispatch(cmd *SlashCommand) commandResult {
	switch cmd.Name {
	case "help", "h":
		return commandResult{output: renderHelp()}
	case "exit", "quit", "q":
		return commandResult{isQuit: true}
	case "new":
		if err := s.store.SetLeaf(""); err != nil {
			return commandResult{output: fmt.Sprintf("failed to start new branch: %v", err)}
		}
		return commandResult{output: "Started a new conversation branch.", isBranch: true}
	case "model", "m":
		if len(cmd.Args) == 0 {
			return commandResult{output: fmt.Sprintf("Current model: %s/%s", s.provider, s.model)}
		}
		provider := s.provider
		modelID := cmd.Args[0]
		if len(cmd.Args) > 1 {
			provider, modelID = cmd.Args[0], cmd.Args[1]
		}
		if err := s.controller.ChangeModel(provider, modelID); err != nil {
			return commandResult{output: fmt.Sprintf("model switch failed: %v", err)}
		}
		s.provider, s.model = provider, modelID
		return commandResult{output: fmt.Sprintf("Model switched to %s/%s", provider, modelID)}
	case "think":
		level := "medium"
		if len(cmd.Args) > 0 {
			level = cmd.Args[0]
		}
		if err := s.controller.ChangeThinkingLevel(level); err != nil {
			return commandResult{output: fmt.Sprintf("thinking level switch failed: %v", err)}
		}
		return commandResult{output: fmt.Sprintf("Thinking level: %s", level)}
	case "status", "s":
		return commandResult{output: fmt.Sprintf("Session: %s\nModel: %s/%s\nLeaf: %s",
			s.store.Header().ID, s.provider, s.model, s.store.Leaf())}
	case "next-model":
		opt, err := s.controller.CycleModel(1)
		if err != nil {
			return commandResult{output: fmt.Sprintf("model cycle failed: %v", err)}
		}
		s.provider, s.model = opt.Provider, opt.ModelID
		return commandResult{output: fmt.Sprintf("Model switched to %s/%s", opt.Provider, opt.ModelID)}
	case "prev-model":
		opt, err := s.controller.CycleModel(-1)
		if err != nil {
			return commandResult{output: fmt.Sprintf("model cycle failed: %v", err)}
		}
		s.provider, s.model = opt.Provider, opt.ModelID
		return commandResult{output: fmt.Sprintf("Model switched to %s/%s", opt.Provider, opt.ModelID)}
	case "think-up":
		return commandResult{output: fmt.Sprintf("Thinking level: %s", s.controller.CycleThinkingLevel(1))}
	case "think-down":
		return commandResult{output: fmt.Sprintf("Thinking level: %s", s.controller.CycleThinkingLevel(-1))}
	case "tools":
		if len(cmd.Args) == 0 {
			active := s.controller.ActiveToolNames()
			if active == nil {
				return commandResult{output: "All registered tools are active."}
			}
			return commandResult{output: fmt.Sprintf("Active tools: %s", strings.Join(active, ", "))}
		}
		if cmd.Args[0] == "all" {
			s.controller.SetActiveTools(nil)
			return commandResult{output: "All registered tools are active."}
		}
		s.controller.SetActiveTools(cmd.Args)
		return commandResult{output: fmt.Sprintf("Active tools: %s", strings.Join(cmd.Args, ", "))}
	case "stats":
		stats, err := s.controller.Stats()
		if err != nil {
			return commandResult{output: fmt.Sprintf("stats failed: %v", err)}
		}
		return commandResult{output: fmt.Sprintf(
			"Messages: %d user / %d assistant / %d tool results\nTool calls: %d\nTokens: %d in / %d out (%d cache read / %d cache write)\nCost: $%.4f\nCompactions: %d",
			stats.UserMessages, stats.AssistantMessages, stats.ToolResults, stats.ToolCalls,
			stats.InputTokens, stats.OutputTokens, stats.CacheReadTokens, stats.CacheWriteTokens,
			stats.CostUSD, stats.Compactions,
		)}
	default:
		return commandResult{output: fmt.Sprintf("Unknown command: /%s (try /help)", cmd.Name)}
	}
}

func renderHelp() string {
	var sb strings.Builder
	sb.WriteString("Commands\n\n")
	for _, c := range [][2]string{
		{"/help", "show this help"},
		{"/model [provider] <id>", "show or switch the active model"},
		{"/next-model, /prev-model", "cycle through configured models"},
		{"/think [level]", "set thinking level (off/low/medium/high)"},
		{"/think-up, /think-down", "step the thinking level up or down one tier"},
		{"/tools [names... | all]", "show or narrow the active tool set"},
		{"/stats", "show token/cost/tool-call totals for this session"},
		{"/new", "start a new conversation branch"},
		{"/status", "show session status"},
		{"/exit", "exit the shell"},
	} {
		fmt.Fprintf(&sb, "  %-24s %s\n", c[0], c[1])
	}
	return sb.String()
}
