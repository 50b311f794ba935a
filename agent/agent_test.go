package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gemcli/config"
	"gemcli/errors"
	"gemcli/llm"
	"gemcli/permission"
	"gemcli/session"
	"gemcli/tools"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Settings: config.Settings{
			DefaultModel:        "gemini-2.5-flash",
			Temperature:         0.3,
			MaxRounds:           config.HardRoundLimit,
			HistoryPreviewChars: 1000,
		},
	}
}

func testAgent(t *testing.T, backend llm.Backend) *Agent {
	t.Helper()
	perms := permission.NewManager()
	require.NoError(t, perms.SetMode(permission.ModeAllowAll))
	executor := &tools.Executor{Registry: tools.NewRegistry(), Perms: perms}
	sess := session.New("test", t.TempDir())
	sess.Model = "gemini-2.5-flash"
	return New(testConfig(), sess, backend, executor, "you are a test agent", nil)
}

func textPart(text string) session.Part {
	return session.Part{Text: text}
}

func callPart(name string, args map[string]interface{}) session.Part {
	return session.Part{FunctionCall: &session.FunctionCall{Name: name, Args: args}}
}

func TestSingleToolRoundTurn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))

	backend := (&llm.ScriptedBackend{}).
		Respond(callPart("list_directory", map[string]interface{}{"path": dir})).
		Respond(textPart("The directory contains main.go."))

	a := testAgent(t, backend)
	a.Executor.Registry.Register(&tools.ListDirectoryTool{})

	var calls []string
	var finalText string
	cb := &Callbacks{
		OnToolCall:      func(c session.FunctionCall) { calls = append(calls, c.Name) },
		OnAssistantText: func(text string) { finalText = text },
	}
	require.NoError(t, a.ProcessUserInput(context.Background(), "what files are here?", cb))

	require.Equal(t, []string{"list_directory"}, calls)
	require.Equal(t, "The directory contains main.go.", finalText)

	// History: user, model(call), tool(result), model(text).
	require.Len(t, a.Session.History, 4)
	require.Equal(t, session.RoleUser, a.Session.History[0].Role)
	require.Equal(t, session.RoleModel, a.Session.History[1].Role)
	require.Equal(t, session.RoleTool, a.Session.History[2].Role)
	require.Equal(t, session.RoleModel, a.Session.History[3].Role)

	// The tool result carries the listing back to the model.
	resp := a.Session.History[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	require.Equal(t, "list_directory", resp.Name)
	require.Contains(t, resp.Response["output"], "main.go")

	// The second request saw the tool result.
	require.Len(t, backend.Requests, 2)
	require.Len(t, backend.Requests[1].History, 3)
}

type countingTool struct{ runs int }

func (c *countingTool) Name() string        { return "tick" }
func (c *countingTool) Description() string { return "increments a counter" }
func (c *countingTool) Declaration() tools.Declaration {
	return tools.Declaration{Name: "tick", Description: "increments a counter"}
}
func (c *countingTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	c.runs++
	return "ticked", nil
}

func TestRoundLimitKeepsEffects(t *testing.T) {
	backend := &llm.ScriptedBackend{}
	for i := 0; i <= config.HardRoundLimit; i++ {
		backend.Respond(callPart("tick", map[string]interface{}{}))
	}

	a := testAgent(t, backend)
	counter := &countingTool{}
	a.Executor.Registry.Register(counter)

	err := a.ProcessUserInput(context.Background(), "tick forever", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindRoundLimitExceeded))

	// Every round up to the cap ran, and its effects stand.
	require.Equal(t, config.HardRoundLimit, counter.runs)
	require.Equal(t, config.HardRoundLimit, a.Session.ToolCallCount)

	// user + 30x(model call + tool result) messages remain in history.
	require.Len(t, a.Session.History, 1+2*config.HardRoundLimit)
}

func TestMaxRoundsClampedToHardLimit(t *testing.T) {
	backend := &llm.ScriptedBackend{}
	for i := 0; i <= config.HardRoundLimit+5; i++ {
		backend.Respond(callPart("tick", map[string]interface{}{}))
	}

	a := testAgent(t, backend)
	a.Config.Settings.MaxRounds = 500 // out of range, falls back to the cap
	counter := &countingTool{}
	a.Executor.Registry.Register(counter)

	err := a.ProcessUserInput(context.Background(), "go", nil)
	require.True(t, errors.Is(err, errors.KindRoundLimitExceeded))
	require.Equal(t, config.HardRoundLimit, counter.runs)
}

func TestBackendErrorPreservesHistory(t *testing.T) {
	backend := (&llm.ScriptedBackend{}).
		Respond(textPart("hello!")).
		Fail(errors.WithKind(errors.KindBackendError, "rate limited"))

	a := testAgent(t, backend)
	require.NoError(t, a.ProcessUserInput(context.Background(), "hi", nil))
	require.Len(t, a.Session.History, 2)
	require.Equal(t, 1, a.Session.TurnCount)

	err := a.ProcessUserInput(context.Background(), "again", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBackendError))

	// The failed exchange is gone; the first turn is intact, the turn
	// counter does not count the aborted turn, and the same input can be
	// retried.
	require.Len(t, a.Session.History, 2)
	require.Equal(t, "hi", a.Session.History[0].Text())
	require.Equal(t, "hello!", a.Session.History[1].Text())
	require.Equal(t, 1, a.Session.TurnCount)
}

func TestToolFailureDoesNotAbortTurn(t *testing.T) {
	backend := (&llm.ScriptedBackend{}).
		Respond(callPart("read_file", map[string]interface{}{"path": "/does/not/exist"})).
		Respond(textPart("That file does not exist."))

	a := testAgent(t, backend)
	a.Executor.Registry.Register(&tools.ReadFileTool{})

	require.NoError(t, a.ProcessUserInput(context.Background(), "read it", nil))

	resp := a.Session.History[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	_, hasError := resp.Response["error"]
	require.True(t, hasError, "tool failure must come back as an error result")
}

func TestDelegateRunsFreshAgent(t *testing.T) {
	backend := (&llm.ScriptedBackend{}).
		Respond(callPart("tick", map[string]interface{}{})).
		Respond(textPart("the answer is 42"))

	a := testAgent(t, backend)
	a.Executor.Registry.Register(&countingTool{})

	answer, err := a.Delegate(context.Background(), "compute the answer", nil)
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", answer)

	// The sub-agent's conversation never touches the parent session.
	require.Len(t, a.Session.History, 0)
}

func TestDelegateRejectsUnknownToolSubset(t *testing.T) {
	a := testAgent(t, &llm.ScriptedBackend{})
	_, err := a.Delegate(context.Background(), "task", []string{"nonexistent_tool"})
	require.True(t, errors.Is(err, errors.KindInvalidArguments))
}
