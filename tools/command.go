package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"gemcli/errors"
	"gemcli/permission"
)

// RunCommandTool executes a shell command in the working directory.
// Commands matching a dangerous pattern are refused outright; everything
// else goes through the normal permission prompt for the directory.
type RunCommandTool struct {
	DefaultTimeout time.Duration
	Dangerous      []*regexp.Regexp

	// OnRun records executed commands for /status and the session log.
	OnRun func(command string)
}

// CompilePatterns builds the dangerous-command screen from config regexes.
// Invalid patterns are skipped; the screen is a guard rail, not a security
// boundary.
func CompilePatterns(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	return "Runs a shell command and returns its combined output and exit code."
}

func (t *RunCommandTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "command", Type: TypeString, Description: "Shell command to run", Required: true},
			{Name: "timeout_sec", Type: TypeInteger, Description: "Seconds before the command is killed"},
		},
	}
}

func (t *RunCommandTool) Guard(args map[string]interface{}) []Target {
	return []Target{{Path: ".", Op: permission.OpExecute}}
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", errors.WithKind(errors.KindInvalidArguments, "command is empty")
	}
	for _, re := range t.Dangerous {
		if re.MatchString(command) {
			return "", errors.WithKind(errors.KindPermissionDenied, "command matches a blocked pattern: %s", re.String())
		}
	}

	timeout := t.DefaultTimeout
	if sec, ok := intArg(args, "timeout_sec"); ok && sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.OnRun != nil {
		t.OnRun(command)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.WithKind(errors.KindTimeout, "command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return "", errors.Wrapf(err, "failed to run command")
		}
		exitCode = exitErr.ExitCode()
	}

	out := truncateOutput(string(output))
	return fmt.Sprintf("%s\n[exit code: %d]", strings.TrimRight(out, "\n"), exitCode), nil
}
