package tools

import (
	"context"
	"strings"

	"gemcli/errors"
)

// DelegateFunc runs a task in a fresh sub-agent and returns its final text.
// It is injected from the entrypoint, which owns the agent wiring; the tool
// layer never imports the agent.
type DelegateFunc func(ctx context.Context, task string, toolNames []string) (string, error)

// DelegateTaskTool hands a self-contained task to a sub-agent. It stays
// disabled until the user enables handoff for the session, so the model
// cannot spawn workers unprompted.
type DelegateTaskTool struct {
	Delegate DelegateFunc
	Enabled  func() bool
}

func (t *DelegateTaskTool) Name() string { return "delegate_task" }
func (t *DelegateTaskTool) Description() string {
	return "Delegates a self-contained task to a sub-agent and returns its final answer."
}

func (t *DelegateTaskTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "task", Type: TypeString, Description: "Complete description of the task, including all needed context", Required: true},
			{Name: "tools", Type: TypeString, Description: "Comma-separated tool names the sub-agent may use; empty for all"},
		},
	}
}

func (t *DelegateTaskTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.Enabled != nil && !t.Enabled() {
		return "", errors.New("delegation is disabled; the user must enable it with /handoff")
	}
	if t.Delegate == nil {
		return "", errors.New("delegation is not configured")
	}
	task, _ := stringArg(args, "task")
	if strings.TrimSpace(task) == "" {
		return "", errors.WithKind(errors.KindInvalidArguments, "task is empty")
	}

	var toolNames []string
	if raw, ok := stringArg(args, "tools"); ok && raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				toolNames = append(toolNames, name)
			}
		}
	}
	return t.Delegate(ctx, task, toolNames)
}
