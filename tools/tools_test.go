package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"gemcli/errors"
	"gemcli/permission"
	"gemcli/session"
	"github.com/stretchr/testify/require"
)

func allowAllExecutor(t *testing.T) *Executor {
	t.Helper()
	perms := permission.NewManager()
	require.NoError(t, perms.SetMode(permission.ModeAllowAll))
	return &Executor{Registry: NewRegistry(), Perms: perms}
}

func call(name string, args map[string]interface{}) session.FunctionCall {
	return session.FunctionCall{ID: "id-" + name, Name: name, Args: args}
}

func TestExecutorOneResultPerCallInOrder(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&ListDirectoryTool{})
	e.Registry.Register(&ReadFileTool{})

	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	calls := []session.FunctionCall{
		{ID: "1", Name: "list_directory", Args: map[string]interface{}{"path": dir}},
		{ID: "2", Name: "read_file", Args: map[string]interface{}{"path": file}},
		{ID: "3", Name: "read_file", Args: map[string]interface{}{"path": filepath.Join(dir, "missing.txt")}},
	}
	results := e.ExecuteCalls(context.Background(), calls)

	require.Len(t, results, 3)
	require.Equal(t, "1", results[0].CallID)
	require.Equal(t, "2", results[1].CallID)
	require.Equal(t, "3", results[2].CallID)
	require.NoError(t, results[0].Err)
	require.Equal(t, "hello", results[1].Output)
	require.Error(t, results[2].Err) // a failed call still yields its result
}

func TestExecutorValidatesArguments(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&ReadFileTool{})

	// Missing required argument.
	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindInvalidArguments))

	// Wrong type.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": 42}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindInvalidArguments))

	// Unknown argument.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": "x", "whatever": true}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindInvalidArguments))

	// Unknown tool.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("no_such_tool", nil),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindInvalidArguments))
}

func TestExecutorAcceptsJSONIntegers(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&ReadFileTool{})

	dir := t.TempDir()
	file := filepath.Join(dir, "lines.txt")
	require.NoError(t, os.WriteFile(file, []byte("l1\nl2\nl3\n"), 0o644))

	// JSON decoding delivers integers as float64.
	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": file, "start_line": float64(2), "end_line": float64(3)}),
	})
	require.NoError(t, res[0].Err)
	require.Equal(t, "l2\nl3", res[0].Output)
}

func TestDeleteFileAlwaysDenied(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&DeleteFileTool{})

	dir := t.TempDir()
	victim := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(victim, []byte("data"), 0o644))

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("delete_file", map[string]interface{}{"path": victim}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindPermissionDenied))

	_, err := os.Stat(victim)
	require.NoError(t, err, "file must still exist")
}

func TestExecutorAsksInPromptMode(t *testing.T) {
	perms := permission.NewManager()
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	asked := 0
	e := &Executor{
		Registry: NewRegistry(),
		Perms:    perms,
		Ask: func(tool, path, op string) permission.Decision {
			asked++
			require.NoError(t, perms.Trust(dir))
			return permission.Allow
		},
	}
	e.Registry.Register(&ReadFileTool{})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": file}),
	})
	require.NoError(t, res[0].Err)
	require.Equal(t, 1, asked)

	// Second read inside the trusted directory does not prompt again.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": file}),
	})
	require.NoError(t, res[0].Err)
	require.Equal(t, 1, asked)
}

func TestMoveFileChecksBothEnds(t *testing.T) {
	perms := permission.NewManager()
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, perms.Trust(src))
	require.NoError(t, perms.Untrust(dst))

	file := filepath.Join(src, "secret.txt")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))

	e := &Executor{Registry: NewRegistry(), Perms: perms}
	e.Registry.Register(&MoveFileTool{})

	// Trusted source is not enough: the untrusted destination denies the move.
	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("move_file", map[string]interface{}{
			"source":      file,
			"destination": filepath.Join(dst, "secret.txt"),
		}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindPermissionDenied))
	_, err := os.Stat(file)
	require.NoError(t, err, "denied move must leave the source in place")

	// With both directories trusted the move goes through.
	ok := t.TempDir()
	require.NoError(t, perms.Trust(ok))
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("move_file", map[string]interface{}{
			"source":      file,
			"destination": filepath.Join(ok, "secret.txt"),
		}),
	})
	require.NoError(t, res[0].Err)
	_, err = os.Stat(filepath.Join(ok, "secret.txt"))
	require.NoError(t, err)
}

func TestExecutorDeniesWithoutAsker(t *testing.T) {
	e := &Executor{Registry: NewRegistry(), Perms: permission.NewManager()}
	e.Registry.Register(&ReadFileTool{})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("read_file", map[string]interface{}{"path": filepath.Join(t.TempDir(), "f")}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindPermissionDenied))
}

type panickyTool struct{}

func (p *panickyTool) Name() string        { return "panicky" }
func (p *panickyTool) Description() string { return "always panics" }
func (p *panickyTool) Declaration() Declaration {
	return Declaration{Name: "panicky", Description: "always panics"}
}
func (p *panickyTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	panic("boom")
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&panickyTool{})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{call("panicky", nil)})
	require.Len(t, res, 1)
	require.Error(t, res[0].Err)
	require.Contains(t, res[0].Err.Error(), "panicked")
}

func TestRunCommandTimeout(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&RunCommandTool{DefaultTimeout: 10 * time.Second})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("run_command", map[string]interface{}{"command": "sleep 5", "timeout_sec": float64(1)}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindTimeout))
}

func TestRunCommandCapturesExitCode(t *testing.T) {
	e := allowAllExecutor(t)
	var ran []string
	e.Registry.Register(&RunCommandTool{
		DefaultTimeout: 10 * time.Second,
		OnRun:          func(c string) { ran = append(ran, c) },
	})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("run_command", map[string]interface{}{"command": "echo out && exit 3"}),
	})
	require.NoError(t, res[0].Err)
	require.Contains(t, res[0].Output, "out")
	require.Contains(t, res[0].Output, "[exit code: 3]")
	require.Equal(t, []string{"echo out && exit 3"}, ran)
}

func TestRunCommandDangerousPatternBlocked(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&RunCommandTool{
		DefaultTimeout: 10 * time.Second,
		Dangerous:      CompilePatterns([]string{`(?i)\brm\b.*\s-\w*r\w*f`}),
	})

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("run_command", map[string]interface{}{"command": "rm -rf /tmp/whatever"}),
	})
	require.True(t, errors.Is(res[0].Err, errors.KindPermissionDenied))
}

func TestTruncateOutputKeepsHeadAndTail(t *testing.T) {
	long := strings.Repeat("a", 3000) + strings.Repeat("z", 3000)
	out := truncateOutput(long)

	require.Contains(t, out, "[TRUNCATED]")
	require.True(t, strings.HasPrefix(out, "aaa"))
	require.True(t, strings.HasSuffix(out, "zzz"))
	require.Less(t, len(out), len(long))

	short := "short output"
	require.Equal(t, short, truncateOutput(short))
}

func TestTruncateOutputKeepsValidUTF8(t *testing.T) {
	// Three-byte runes guarantee both cut points land mid-rune.
	long := strings.Repeat("日", 3000)
	out := truncateOutput(long)

	require.Contains(t, out, "[TRUNCATED]")
	require.True(t, utf8.ValidString(out))
	require.True(t, strings.HasPrefix(out, "日"))
	require.True(t, strings.HasSuffix(out, "日"))
}

func TestWriteAndEditFile(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&WriteFileTool{})
	e.Registry.Register(&EditFileTool{})

	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "code.go")

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("write_file", map[string]interface{}{"path": file, "content": "package main\n"}),
	})
	require.NoError(t, res[0].Err)

	// Refuses to clobber without overwrite.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("write_file", map[string]interface{}{"path": file, "content": "other"}),
	})
	require.Error(t, res[0].Err)

	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("edit_file", map[string]interface{}{"path": file, "old_text": "main", "new_text": "app"}),
	})
	require.NoError(t, res[0].Err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, "package app\n", string(data))

	// Replacement text absent from the file is an error.
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("edit_file", map[string]interface{}{"path": file, "old_text": "nope", "new_text": "x"}),
	})
	require.Error(t, res[0].Err)
}

func TestSearchFiles(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&SearchFilesTool{})

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "util.go"), []byte("package pkg\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("docs"), 0o644))

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("search_files", map[string]interface{}{"pattern": "**/*.go", "path": dir}),
	})
	require.NoError(t, res[0].Err)
	require.Contains(t, res[0].Output, "main.go")
	require.Contains(t, res[0].Output, "util.go")
	require.NotContains(t, res[0].Output, "readme.md")

	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("search_files", map[string]interface{}{"pattern": "**/*.go", "path": dir, "content": "func main"}),
	})
	require.NoError(t, res[0].Err)
	require.Contains(t, res[0].Output, "main.go:2")
	require.NotContains(t, res[0].Output, "util.go")
}

func TestListDirectoryPattern(t *testing.T) {
	e := allowAllExecutor(t)
	e.Registry.Register(&ListDirectoryTool{})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("list_directory", map[string]interface{}{"path": dir}),
	})
	require.NoError(t, res[0].Err)
	require.Contains(t, res[0].Output, "a.go")
	require.Contains(t, res[0].Output, "nested/")

	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("list_directory", map[string]interface{}{"path": dir, "pattern": "*.go"}),
	})
	require.NoError(t, res[0].Err)
	require.Contains(t, res[0].Output, "a.go")
	require.NotContains(t, res[0].Output, "b.txt")
}

func TestDelegateGatedByHandoff(t *testing.T) {
	enabled := false
	tool := &DelegateTaskTool{
		Enabled: func() bool { return enabled },
		Delegate: func(ctx context.Context, task string, toolNames []string) (string, error) {
			return "done: " + task, nil
		},
	}
	e := allowAllExecutor(t)
	e.Registry.Register(tool)

	res := e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("delegate_task", map[string]interface{}{"task": "count files"}),
	})
	require.Error(t, res[0].Err)
	require.Contains(t, res[0].Err.Error(), "/handoff")

	enabled = true
	res = e.ExecuteCalls(context.Background(), []session.FunctionCall{
		call("delegate_task", map[string]interface{}{"task": "count files", "tools": "read_file, list_directory"}),
	})
	require.NoError(t, res[0].Err)
	require.Equal(t, "done: count files", res[0].Output)
}

func TestResultResponseShape(t *testing.T) {
	ok := Result{CallID: "1", Name: "x", Output: "fine"}
	require.Equal(t, map[string]interface{}{"output": "fine"}, ok.Response())

	failed := Result{CallID: "2", Name: "x", Err: errors.New("broke")}
	resp := failed.Response()
	require.Contains(t, resp["error"].(string), "broke")
}
