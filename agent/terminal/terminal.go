package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gemcli/agent"
	"gemcli/permission"
	"gemcli/session"
	"gemcli/tools"
)

// Terminal handles the interactive REPL: user input, tool-call display,
// permission prompts and slash commands.
type Terminal struct {
	agent       *agent.Agent
	sessionsDir string
	in          *bufio.Scanner
	out         io.Writer
	handoff     bool
	lastInput   string
}

func New(a *agent.Agent, sessionsDir string) *Terminal {
	return &Terminal{
		agent:       a,
		sessionsDir: sessionsDir,
		in:          bufio.NewScanner(os.Stdin),
		out:         os.Stdout,
	}
}

// HandoffEnabled reports whether the user turned delegation on with
// /handoff. Wired into the delegate_task tool gate.
func (t *Terminal) HandoffEnabled() bool { return t.handoff }

// Run starts the interactive session.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, "You: ")
		input, ok := t.readInput()
		if !ok {
			break
		}
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" || input == "/quit" || input == "/exit" {
			break
		}
		if strings.HasPrefix(input, "/") {
			if err := t.runCommand(ctx, input); err != nil {
				fmt.Fprintf(t.out, "Error: %v\n", err)
			}
			continue
		}
		t.processTurn(ctx, input)
	}
	return t.in.Err()
}

// readInput reads one logical input, joining lines that end with a
// backslash so multi-line prompts stay one turn.
func (t *Terminal) readInput() (string, bool) {
	var lines []string
	for {
		if !t.in.Scan() {
			return strings.Join(lines, "\n"), len(lines) > 0
		}
		line := strings.TrimRight(t.in.Text(), " \t")
		if strings.HasSuffix(line, "\\") {
			lines = append(lines, strings.TrimSuffix(line, "\\"))
			fmt.Fprint(t.out, "...  ")
			continue
		}
		lines = append(lines, line)
		return strings.TrimSpace(strings.Join(lines, "\n")), true
	}
}

func (t *Terminal) processTurn(ctx context.Context, input string) {
	t.lastInput = input
	if err := t.agent.ProcessUserInput(ctx, input, t.callbacks()); err != nil {
		fmt.Fprintf(t.out, "Error: %v\n", err)
	}
}

func (t *Terminal) callbacks() *agent.Callbacks {
	return &agent.Callbacks{
		OnAssistantText: func(text string) {
			fmt.Fprintf(t.out, "Gemini: %s\n", text)
		},
		OnToolCall: func(call session.FunctionCall) {
			fmt.Fprintf(t.out, "  -> %s(%s)\n", call.Name, summarizeArgs(call.Args))
		},
		OnToolResult: func(result tools.Result) {
			if result.Err != nil {
				fmt.Fprintf(t.out, "  <- %s failed: %v\n", result.Name, result.Err)
			}
		},
		OnWarning: func(msg string) {
			fmt.Fprintf(t.out, "Warning: %s\n", msg)
		},
	}
}

// AskPermission is the interactive resolver for permission checks. The
// answer can be recorded on the manager so the question is not asked again.
func (t *Terminal) AskPermission(tool, path, op string) permission.Decision {
	perms := t.agent.Executor.Perms
	fmt.Fprintf(t.out, "Tool %s wants to %s %s\n", tool, op, path)
	fmt.Fprint(t.out, "Allow? [y]es once / [a]lways for this directory / [n]o / ne[v]er for this directory: ")
	if !t.in.Scan() {
		return permission.Deny
	}
	switch strings.TrimSpace(strings.ToLower(t.in.Text())) {
	case "y", "yes":
		return permission.Allow
	case "a", "always":
		if err := perms.Trust(trustScope(path)); err != nil {
			fmt.Fprintf(t.out, "Warning: could not save permission: %v\n", err)
		}
		return permission.Allow
	case "v", "never":
		if err := perms.Untrust(trustScope(path)); err != nil {
			fmt.Fprintf(t.out, "Warning: could not save permission: %v\n", err)
		}
		return permission.Deny
	}
	return permission.Deny
}

// trustScope widens a file path to its directory so one answer covers the
// sibling files the model touches next.
func trustScope(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return abs
	}
	return filepath.Dir(abs)
}

func summarizeArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		s := fmt.Sprintf("%v", args[k])
		if len(s) > 60 {
			s = s[:57] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, s))
	}
	return strings.Join(parts, ", ")
}
