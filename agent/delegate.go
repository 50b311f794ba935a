package agent

import (
	"context"
	"strings"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"go.uber.org/zap"
)

// Delegate runs a task in a fresh sub-agent: empty history seeded with the
// task, optionally a restricted tool subset, same round semantics. Only the
// final text comes back; the sub-agent's history is discarded with it.
func (a *Agent) Delegate(ctx context.Context, task string, toolNames []string) (string, error) {
	registry := a.Executor.Registry
	if len(toolNames) > 0 {
		sub, err := registry.Subset(toolNames)
		if err != nil {
			return "", errors.WrapKind(err, errors.KindInvalidArguments, "bad tool subset for delegation")
		}
		registry = sub
	}
	// A sub-agent never delegates further; one level is the whole ladder.
	registry = withoutDelegation(registry)

	subSession := session.New("delegate", "")
	subSession.Model = a.Session.Model
	subExecutor := &tools.Executor{
		Registry: registry,
		Perms:    a.Executor.Perms,
		Ask:      a.Executor.Ask,
	}
	sub := &Agent{
		Config:   a.Config,
		Session:  subSession,
		Backend:  a.Backend,
		Executor: subExecutor,
		System:   a.System,
		Log:      a.Log.With(zap.String("agent", "delegate")),
	}

	subSession.AddMessage(session.TextMessage(session.RoleUser, task))
	if err := sub.runRounds(ctx, nil); err != nil {
		return "", err
	}

	answer := subSession.LastModelText()
	if strings.TrimSpace(answer) == "" {
		return "", errors.New("delegated agent finished without an answer")
	}
	return answer, nil
}

func withoutDelegation(r *tools.Registry) *tools.Registry {
	var names []string
	for _, name := range r.Names() {
		if name != "delegate_task" {
			names = append(names, name)
		}
	}
	sub, err := r.Subset(names)
	if err != nil {
		return r
	}
	return sub
}
