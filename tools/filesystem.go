package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gemcli/errors"
	"gemcli/permission"
	"github.com/bmatcuk/doublestar/v4"
)

// maxReadBytes caps read_file so a stray binary cannot blow up the prompt.
const maxReadBytes = 5 * 1024 * 1024

// ReadFileTool reads a file, optionally a line range of it.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the content of a file, optionally restricted to a line range."
}

func (t *ReadFileTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Path to the file to read", Required: true},
			{Name: "start_line", Type: TypeInteger, Description: "First line to include (1-based)"},
			{Name: "end_line", Type: TypeInteger, Description: "Last line to include (inclusive)"},
		},
	}
}

func (t *ReadFileTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpRead}}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if info.Size() > maxReadBytes {
		return "", errors.New("file '%s' is %d bytes, over the %d byte limit", path, info.Size(), maxReadBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}

	start, hasStart := intArg(args, "start_line")
	end, hasEnd := intArg(args, "end_line")
	if !hasStart && !hasEnd {
		return string(content), nil
	}

	lines := strings.Split(string(content), "\n")
	if !hasStart || start < 1 {
		start = 1
	}
	if !hasEnd || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", errors.WithKind(errors.KindInvalidArguments, "start_line %d is past end_line %d", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// WriteFileTool writes a whole file, creating parent directories as needed.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file. Refuses to replace an existing file unless overwrite is true."
}

func (t *WriteFileTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Path to the file to write", Required: true},
			{Name: "content", Type: TypeString, Description: "Full content of the file", Required: true},
			{Name: "overwrite", Type: TypeBoolean, Description: "Replace the file if it already exists"},
		},
	}
}

func (t *WriteFileTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpWrite}}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	content, _ := stringArg(args, "content")
	overwrite, _ := boolArg(args, "overwrite")

	if _, err := os.Stat(path); err == nil && !overwrite {
		return "", errors.New("file '%s' already exists; pass overwrite=true to replace it", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create parent directory for '%s'", path)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces the first occurrence of a text fragment in a file.
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replaces the first occurrence of old_text in a file with new_text."
}

func (t *EditFileTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Path to the file to edit", Required: true},
			{Name: "old_text", Type: TypeString, Description: "Exact text to replace", Required: true},
			{Name: "new_text", Type: TypeString, Description: "Replacement text", Required: true},
		},
	}
}

func (t *EditFileTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpWrite}}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	oldText, _ := stringArg(args, "old_text")
	newText, _ := stringArg(args, "new_text")

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	text := string(content)
	if !strings.Contains(text, oldText) {
		return "", errors.New("old_text not found in '%s'", path)
	}
	edited := strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Edited %s", path), nil
}

// ListDirectoryTool lists directory entries, optionally filtered by a glob.
type ListDirectoryTool struct{}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists the entries of a directory. Directories are suffixed with '/'."
}

func (t *ListDirectoryTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Directory to list; defaults to the working directory"},
			{Name: "pattern", Type: TypeString, Description: "Glob pattern to filter entries, e.g. *.go"},
		},
	}
}

func (t *ListDirectoryTool) Guard(args map[string]interface{}) []Target {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		path = "."
	}
	return []Target{{Path: path, Op: permission.OpRead}}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		path = "."
	}
	pattern, _ := stringArg(args, "pattern")

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list '%s'", path)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if pattern != "" {
			match, err := doublestar.Match(pattern, name)
			if err != nil {
				return "", errors.WithKind(errors.KindInvalidArguments, "invalid glob pattern '%s'", pattern)
			}
			if !match {
				continue
			}
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return truncateOutput(strings.Join(names, "\n")), nil
}

// ChangeDirectoryTool moves the agent's working directory. OnChange lets the
// session record the new location for persistence.
type ChangeDirectoryTool struct {
	OnChange func(cwd string)
}

func (t *ChangeDirectoryTool) Name() string { return "change_directory" }
func (t *ChangeDirectoryTool) Description() string {
	return "Changes the agent's working directory."
}

func (t *ChangeDirectoryTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Directory to change into", Required: true},
		},
	}
}

func (t *ChangeDirectoryTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpRead}}
}

func (t *ChangeDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	if err := os.Chdir(path); err != nil {
		return "", errors.Wrapf(err, "failed to change directory to '%s'", path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrapf(err, "could not determine working directory")
	}
	if t.OnChange != nil {
		t.OnChange(cwd)
	}
	return fmt.Sprintf("Working directory is now %s", cwd), nil
}

// CreateDirectoryTool creates a directory and any missing parents.
type CreateDirectoryTool struct{}

func (t *CreateDirectoryTool) Name() string { return "create_directory" }
func (t *CreateDirectoryTool) Description() string {
	return "Creates a directory, including missing parents."
}

func (t *CreateDirectoryTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Directory to create", Required: true},
		},
	}
}

func (t *CreateDirectoryTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpWrite}}
}

func (t *CreateDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory '%s'", path)
	}
	return fmt.Sprintf("Created directory %s", path), nil
}

// MoveFileTool renames or moves a file or directory.
type MoveFileTool struct{}

func (t *MoveFileTool) Name() string { return "move_file" }
func (t *MoveFileTool) Description() string {
	return "Moves or renames a file or directory."
}

func (t *MoveFileTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "source", Type: TypeString, Description: "Existing path", Required: true},
			{Name: "destination", Type: TypeString, Description: "New path", Required: true},
		},
	}
}

// Guard checks both ends of the move: reading out of an untrusted source
// and writing into an untrusted destination are each denied on their own.
func (t *MoveFileTool) Guard(args map[string]interface{}) []Target {
	source, _ := stringArg(args, "source")
	destination, _ := stringArg(args, "destination")
	return []Target{
		{Path: source, Op: permission.OpWrite},
		{Path: destination, Op: permission.OpWrite},
	}
}

func (t *MoveFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	source, _ := stringArg(args, "source")
	destination, _ := stringArg(args, "destination")
	if _, err := os.Stat(destination); err == nil {
		return "", errors.New("destination '%s' already exists", destination)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create parent directory for '%s'", destination)
	}
	if err := os.Rename(source, destination); err != nil {
		return "", errors.Wrapf(err, "failed to move '%s' to '%s'", source, destination)
	}
	return fmt.Sprintf("Moved %s to %s", source, destination), nil
}

// DeleteFileTool exists so the model gets a clear refusal instead of an
// unknown-tool error. Deletion is blocked at the permission layer in every
// mode; Execute is unreachable through the executor and refuses anyway.
type DeleteFileTool struct{}

func (t *DeleteFileTool) Name() string { return "delete_file" }
func (t *DeleteFileTool) Description() string {
	return "Deletes a file. Disabled: deletion is always rejected."
}

func (t *DeleteFileTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "path", Type: TypeString, Description: "Path to delete", Required: true},
		},
	}
}

func (t *DeleteFileTool) Guard(args map[string]interface{}) []Target {
	path, _ := stringArg(args, "path")
	return []Target{{Path: path, Op: permission.OpDelete}}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return "", errors.WithKind(errors.KindPermissionDenied, "file deletion is disabled")
}
