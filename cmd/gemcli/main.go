package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gemcli/agent"
	"gemcli/agent/terminal"
	"gemcli/config"
	"gemcli/llm"
	"gemcli/permission"
	"gemcli/session"
	"gemcli/tools"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "1.0.0"

const systemPrompt = `You are a capable terminal assistant with access to tools for
reading and writing files, running commands, searching, and fetching web pages.
Use tools when they help; answer directly when they do not. Prefer small,
verifiable steps. Never invent file contents you have not read.`

func main() {
	modelFlag := flag.String("model", "", "Model to use (overrides config)")
	promptFlag := flag.String("prompt", "", "Initial prompt to run before the REPL")
	resumeFlag := flag.String("resume", "", "Resume a saved session by name")
	noBannerFlag := flag.Bool("no-banner", false, "Skip the startup banner")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("gemcli %s\n", version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	configDir, err := cfg.ConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing config directory: %+v\n", err)
		os.Exit(1)
	}
	sessionsDir, err := cfg.SessionsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing sessions directory: %+v\n", err)
		os.Exit(1)
	}

	logger := newLogger(filepath.Join(configDir, "gemcli.log"))
	defer logger.Sync()

	model := cfg.Settings.DefaultModel
	if *modelFlag != "" {
		model = *modelFlag
	}

	ctx := context.Background()
	backend, authNote, err := resolveBackend(ctx, cfg, configDir, model, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}

	var sess *session.Session
	if *resumeFlag != "" {
		sess, err = session.Load(*resumeFlag, sessionsDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", *resumeFlag, err)
			os.Exit(1)
		}
		fmt.Printf("Resuming session: %s\n", *resumeFlag)
	} else {
		sess = session.New(defaultSessionName(), sessionsDir)
	}
	if sess.Model == "" || *modelFlag != "" {
		sess.Model = model
	}
	if wd, err := os.Getwd(); err == nil {
		sess.CWD = wd
	}

	perms, err := permission.Load(filepath.Join(configDir, "permissions.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading permission table: %+v\n", err)
		os.Exit(1)
	}

	executor := &tools.Executor{Registry: tools.NewRegistry(), Perms: perms}
	gemAgent := agent.New(cfg, sess, backend, executor, systemPrompt, logger)
	term := terminal.New(gemAgent, sessionsDir)
	executor.Ask = term.AskPermission

	registerTools(executor.Registry, cfg, gemAgent, term)

	if !*noBannerFlag {
		fmt.Printf("gemcli %s | model %s | %s\n", version, sess.Model, authNote)
		fmt.Println("Type a prompt, /help for commands, exit to leave.")
	}

	if err := term.Run(ctx, *promptFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func registerTools(registry *tools.Registry, cfg *config.Config, gemAgent *agent.Agent, term *terminal.Terminal) {
	registry.Register(&tools.ReadFileTool{})
	registry.Register(&tools.WriteFileTool{})
	registry.Register(&tools.EditFileTool{})
	registry.Register(&tools.ListDirectoryTool{})
	// Goes through the agent so /session load does not leave the tool
	// writing to a stale session.
	registry.Register(&tools.ChangeDirectoryTool{OnChange: func(cwd string) { gemAgent.Session.CWD = cwd }})
	registry.Register(&tools.CreateDirectoryTool{})
	registry.Register(&tools.MoveFileTool{})
	registry.Register(&tools.DeleteFileTool{})
	registry.Register(&tools.SearchFilesTool{})
	registry.Register(&tools.SearchWebTool{})
	registry.Register(&tools.ReadURLTool{})
	registry.Register(&tools.RunCommandTool{
		DefaultTimeout: time.Duration(cfg.Settings.CommandTimeoutSec) * time.Second,
		Dangerous:      tools.CompilePatterns(cfg.DangerousCommandPatterns),
		OnRun: func(command string) {
			s := gemAgent.Session
			s.Commands = append(s.Commands, command)
		},
	})
	registry.Register(&tools.DelegateTaskTool{
		Delegate: gemAgent.Delegate,
		Enabled:  term.HandoffEnabled,
	})
}

// resolveBackend picks a provider for the model: claude-* goes to Anthropic
// (or Bedrock when only AWS credentials exist), gpt-* to OpenAI, everything
// else to Gemini. Gemini auth resolves env key, then the saved key file,
// then the OAuth bridge.
func resolveBackend(ctx context.Context, cfg *config.Config, configDir, model string, log *zap.Logger) (llm.Backend, string, error) {
	switch {
	case strings.HasPrefix(model, "claude-"):
		if os.Getenv("ANTHROPIC_API_KEY") != "" {
			b, err := llm.NewAnthropicBackend(ctx)
			return b, "anthropic api key", err
		}
		b, err := llm.NewBedrockBackend(ctx)
		return b, "aws bedrock", err

	case strings.HasPrefix(model, "gpt-"):
		b, err := llm.NewOpenAIBackend(ctx)
		return b, "openai api key", err
	}

	if key := geminiAPIKey(configDir); key != "" {
		b, err := llm.NewGeminiBackend(ctx, key)
		return b, "gemini api key", err
	}

	if len(cfg.BridgeCommand) == 0 {
		return nil, "", fmt.Errorf("no Gemini API key found and no bridge configured; set GEMINI_API_KEY or add bridge_command to config")
	}
	bridge, err := llm.StartBridge(cfg.BridgeCommand, log)
	if err != nil {
		return nil, "", err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bridge.WaitReady(waitCtx); err != nil {
		bridge.Close()
		return nil, "", err
	}
	email, tier := bridge.Account()
	return bridge, fmt.Sprintf("oauth via bridge (%s, %s)", email, tier), nil
}

func geminiAPIKey(configDir string) string {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return key
	}
	data, err := os.ReadFile(filepath.Join(configDir, "apikey.txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// newLogger writes structured logs to a file so the REPL output stays
// clean. Logging failures fall back to a no-op logger.
func newLogger(path string) *zap.Logger {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zap.NewNop()
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "gemcli"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
