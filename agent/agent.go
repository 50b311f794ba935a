package agent

import (
	"context"

	"gemcli/config"
	"gemcli/errors"
	"gemcli/llm"
	"gemcli/session"
	"gemcli/tools"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Callbacks decouple the loop from the terminal. Every hook is optional.
type Callbacks struct {
	OnAssistantText func(text string)
	OnToolCall      func(call session.FunctionCall)
	OnToolResult    func(result tools.Result)
	OnWarning       func(msg string)
}

func (c *Callbacks) warn(msg string) {
	if c != nil && c.OnWarning != nil {
		c.OnWarning(msg)
	}
}

// Agent owns one conversation: a session, a backend and an executor.
type Agent struct {
	Config   *config.Config
	Session  *session.Session
	Backend  llm.Backend
	Executor *tools.Executor
	System   string
	Log      *zap.Logger
}

func New(cfg *config.Config, sess *session.Session, backend llm.Backend, exec *tools.Executor, system string, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		Config:   cfg,
		Session:  sess,
		Backend:  backend,
		Executor: exec,
		System:   system,
		Log:      log,
	}
}

// ProcessUserInput runs one full turn: the user message goes into history,
// then the model is called in rounds until it answers with text only or the
// round limit trips. Tool failures are results for the model; only backend
// failures and the round limit abort the turn.
func (a *Agent) ProcessUserInput(ctx context.Context, input string, cb *Callbacks) error {
	a.Session.Checkpoint()
	baseLen := len(a.Session.History)
	a.Session.AddMessage(session.TextMessage(session.RoleUser, input))
	a.Session.TurnCount++

	err := a.runRounds(ctx, cb)
	if errors.Is(err, errors.KindBackendError) || errors.Is(err, errors.KindBridgeError) {
		// Drop the half-built exchange so the same input can be retried
		// against a clean history. Tool effects already applied stand.
		a.Session.History = a.Session.History[:baseLen]
		a.Session.TurnCount--
		a.Session.DropCheckpoint()
	}

	if a.Config.Settings.AutoSaveSession {
		if saveErr := a.Session.Autosave(); saveErr != nil {
			a.Log.Warn("autosave failed", zap.Error(saveErr))
			cb.warn("autosave failed: " + saveErr.Error())
		}
	}
	return err
}

func (a *Agent) runRounds(ctx context.Context, cb *Callbacks) error {
	maxRounds := a.Config.Settings.MaxRounds
	if maxRounds < 1 || maxRounds > config.HardRoundLimit {
		maxRounds = config.HardRoundLimit
	}

	for round := 0; round < maxRounds; round++ {
		modelMsg, err := a.generate(ctx)
		if err != nil {
			return err
		}
		a.Session.AddMessage(modelMsg)

		if text := modelMsg.Text(); text != "" && cb != nil && cb.OnAssistantText != nil {
			cb.OnAssistantText(text)
		}

		calls := modelMsg.FunctionCalls()
		if len(calls) == 0 {
			return nil
		}

		a.Session.AddMessage(a.executeRound(ctx, calls, cb))
	}
	return errors.WithKind(errors.KindRoundLimitExceeded,
		"turn exceeded %d tool rounds; work done so far is kept", maxRounds)
}

// generate calls the backend and drains the stream into one model message.
// On failure the user's half-built exchange is popped so the history stays
// retryable.
func (a *Agent) generate(ctx context.Context) (session.Message, error) {
	req := &llm.Request{
		Model:       a.Session.Model,
		System:      a.System,
		History:     a.Session.History,
		Tools:       a.Executor.Registry.Declarations(),
		Temperature: a.Config.Settings.Temperature,
	}
	stream, err := a.Backend.Generate(ctx, req)
	if err != nil {
		return session.Message{}, a.backendFailed(err)
	}
	msg, err := llm.CollectParts(stream, session.RoleModel)
	if err != nil {
		return session.Message{}, a.backendFailed(err)
	}
	if len(msg.Parts) == 0 {
		return session.Message{}, a.backendFailed(errors.WithKind(errors.KindBackendError, "model returned an empty response"))
	}
	return msg, nil
}

func (a *Agent) backendFailed(err error) error {
	if errors.Is(err, errors.KindBridgeError) || errors.Is(err, errors.KindBackendError) {
		return err
	}
	return errors.WrapKind(err, errors.KindBackendError, "generation failed")
}

// Summarize asks the backend for a compact summary of the conversation so
// far, without touching the history. Used by history compaction.
func (a *Agent) Summarize(ctx context.Context) (string, error) {
	history := append([]session.Message(nil), a.Session.History...)
	history = append(history, session.TextMessage(session.RoleUser,
		"Summarize our conversation so far in a few paragraphs. Keep every detail needed to continue the work: file paths, decisions, open items."))
	stream, err := a.Backend.Generate(ctx, &llm.Request{
		Model:       a.Session.Model,
		System:      a.System,
		History:     history,
		Temperature: a.Config.Settings.Temperature,
	})
	if err != nil {
		return "", a.backendFailed(err)
	}
	msg, err := llm.CollectParts(stream, session.RoleModel)
	if err != nil {
		return "", a.backendFailed(err)
	}
	if msg.Text() == "" {
		return "", errors.WithKind(errors.KindBackendError, "summary came back empty")
	}
	return msg.Text(), nil
}

// executeRound runs the round's calls in order and packs their results into
// a single tool message, one functionResponse per call.
func (a *Agent) executeRound(ctx context.Context, calls []session.FunctionCall, cb *Callbacks) session.Message {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		if cb != nil && cb.OnToolCall != nil {
			cb.OnToolCall(calls[i])
		}
	}

	results := a.Executor.ExecuteCalls(ctx, calls)
	a.Session.ToolCallCount += len(calls)

	msg := session.Message{Role: session.RoleTool}
	for _, res := range results {
		if cb != nil && cb.OnToolResult != nil {
			cb.OnToolResult(res)
		}
		if res.Err != nil {
			a.Log.Info("tool call failed",
				zap.String("tool", res.Name),
				zap.Error(res.Err))
		}
		msg.Parts = append(msg.Parts, session.Part{FunctionResponse: &session.FunctionResponse{
			ID:       res.CallID,
			Name:     res.Name,
			Response: res.Response(),
		}})
	}
	return msg
}
