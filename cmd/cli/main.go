package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/prompt"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/shell"
	"github.com/ngoclaw/ngoclaw/gateway/internal/session"
	"github.com/ngoclaw/ngoclaw/gateway/internal/terminal"
)

const (
	cliVersion = "0.2.0"
	cliName    = "ngoclaw"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [message]",
		Short: "NGOClaw — AI Coding Agent",
		Long:  "NGOClaw CLI — 交互式 AI 编程助手, 支持代码生成/编辑/调试/搜索",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("model", "m", "", "指定模型 (覆盖配置)")
	rootCmd.Flags().BoolP("no-approve", "y", false, "跳过工具审批 (YOLO 模式)")
	rootCmd.Flags().StringP("workspace", "w", "", "工作目录")

	// --- Subcommands ---

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── CLI Interactive Mode (default) ───

func runInteractive(cmd *cobra.Command, args []string) error {
	// Quiet logger for CLI
	log, err := logger.NewLogger(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "/dev/null",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// CLI flag overrides
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.DefaultModel = m
	}
	// Workspace: always use CWD (where user launched ngoclaw)
	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}
	noApprove, _ := cmd.Flags().GetBool("no-approve")

	fmt.Print("\033[90m⏳ 初始化中...\033[0m")
	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("\n初始化失败: %w", err)
	}
	fmt.Print("\r\033[2K") // Clear "initializing" line

	_ = noApprove // tool approval policy is owned by the tool executor, not the shell

	// Open (or create) the session journal for this workspace.
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("home dir: %w", err)
	}
	sessionsRoot := filepath.Join(home, ".ngoclaw", "sessions")
	sessionsDir := session.SessionsDirFor(sessionsRoot, workspace)
	store, err := session.New(sessionsDir, workspace, log)
	if err != nil {
		return fmt.Errorf("session init: %w", err)
	}
	defer store.Close()

	// Assemble the static system prompt once per process launch.
	promptCtx := prompt.PromptContext{
		ModelName: cfg.Agent.DefaultModel,
		Workspace: workspace,
	}
	if reg := app.ToolRegistry(); reg != nil {
		for _, def := range reg.List() {
			promptCtx.RegisteredTools = append(promptCtx.RegisteredTools, def.Name)
		}
	}
	systemPrompt := app.PromptEngine().Assemble(promptCtx)

	ctrlCfg := application.DefaultControllerConfig()
	for _, p := range cfg.Agent.Providers {
		for _, modelID := range p.Models {
			ctrlCfg.AvailableModels = append(ctrlCfg.AvailableModels, application.ModelOption{
				Provider:  p.Name,
				ModelID:   modelID,
				HasAPIKey: p.APIKey != "",
			})
		}
	}

	controller := application.NewController(
		store,
		app.AgentLoop(),
		app.LLMRouter(),
		ctrlCfg,
		log,
		systemPrompt,
		"",
		cfg.Agent.DefaultModel,
	)
	controller.SetToolSwitcher(app.ToolSwitcher())

	// Republish agent events onto a bus so observers outside the shell's
	// render loop (here: a debug-log recorder) can subscribe independently.
	bus := eventbus.NewInMemoryBus(log, 256)
	defer bus.Close()
	bus.Subscribe("*", func(ctx context.Context, ev eventbus.Event) {
		log.Debug("agent event", zap.String("type", ev.Type()))
	})
	controller.SetEventBus(bus)

	term := terminal.New(log)
	sh := shell.New(term, controller, log)
	if len(args) > 0 {
		sh.InitialMessage = strings.Join(args, " ")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	return sh.Run(ctx)
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ NGOClaw Doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"配置文件", checkConfig},
		{"Go 工具链", checkGo},
		{"Python 环境", checkPython},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := os.Getenv("HOME") + "/.ngoclaw/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "未找到 ~/.ngoclaw/config.yaml", false
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go", "/usr/lib/go/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "已安装", true
		}
	}
	return "未安装", false
}

func checkPython() (string, bool) {
	p := os.Getenv("HOME") + "/miniconda3/envs/claw"
	if _, err := os.Stat(p); err == nil {
		return p, true
	}
	return "conda 'claw' 环境未找到", false
}
