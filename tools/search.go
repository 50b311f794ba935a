package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gemcli/errors"
	"gemcli/permission"
	"github.com/bmatcuk/doublestar/v4"
)

// maxSearchMatches caps search_files so a loose pattern cannot flood the
// model with thousands of hits.
const maxSearchMatches = 50

// SearchFilesTool finds files by glob and optionally filters by content.
type SearchFilesTool struct{}

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Finds files matching a glob pattern, optionally filtered to those containing a text fragment."
}

func (t *SearchFilesTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "pattern", Type: TypeString, Description: "Glob pattern relative to path, e.g. **/*.go", Required: true},
			{Name: "path", Type: TypeString, Description: "Root directory to search; defaults to the working directory"},
			{Name: "content", Type: TypeString, Description: "Only report files containing this text, with matching lines"},
		},
	}
}

func (t *SearchFilesTool) Guard(args map[string]interface{}) []Target {
	root, ok := stringArg(args, "path")
	if !ok || root == "" {
		root = "."
	}
	return []Target{{Path: root, Op: permission.OpRead}}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, _ := stringArg(args, "pattern")
	root, ok := stringArg(args, "path")
	if !ok || root == "" {
		root = "."
	}
	content, _ := stringArg(args, "content")

	if !doublestar.ValidatePattern(pattern) {
		return "", errors.WithKind(errors.KindInvalidArguments, "invalid glob pattern '%s'", pattern)
	}

	var matches []string
	capped := false
	errEnough := fmt.Errorf("match cap reached")
	err := doublestar.GlobWalk(os.DirFS(root), pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		full := filepath.Join(root, path)
		if content == "" {
			matches = append(matches, full)
		} else {
			hits, err := grepFile(full, content)
			if err != nil {
				return nil // unreadable files are skipped, not fatal
			}
			matches = append(matches, hits...)
		}
		if len(matches) >= maxSearchMatches {
			matches = matches[:maxSearchMatches]
			capped = true
			return errEnough
		}
		return nil
	})
	if err != nil && err != errEnough {
		return "", errors.Wrapf(err, "search failed under '%s'", root)
	}

	if len(matches) == 0 {
		return "No matches.", nil
	}
	out := strings.Join(matches, "\n")
	if capped {
		out += fmt.Sprintf("\n...[capped at %d matches]", maxSearchMatches)
	}
	return truncateOutput(out), nil
}

func grepFile(path, needle string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, needle) {
			hits = append(hits, fmt.Sprintf("%s:%d: %s", path, lineNo, strings.TrimSpace(line)))
		}
	}
	return hits, scanner.Err()
}
