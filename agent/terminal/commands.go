package terminal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gemcli/errors"
	"gemcli/session"
)

func (t *Terminal) runCommand(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, cmd))
	sess := t.agent.Session

	switch cmd {
	case "/help":
		t.printHelp()

	case "/clear":
		sess.Checkpoint()
		sess.Clear()
		fmt.Fprintln(t.out, "History cleared.")

	case "/trim":
		if len(args) != 1 {
			return errors.New("usage: /trim <n>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return errors.New("usage: /trim <n>")
		}
		sess.Checkpoint()
		sess.Trim(n)
		fmt.Fprintf(t.out, "History trimmed to the last %d messages.\n", len(sess.History))

	case "/find":
		if rest == "" {
			return errors.New("usage: /find <text>")
		}
		hits := sess.Find(rest)
		if len(hits) == 0 {
			fmt.Fprintln(t.out, "No matches.")
			return nil
		}
		for _, i := range hits {
			fmt.Fprintf(t.out, "[%d] %s: %s\n", i, sess.History[i].Role, t.preview(sess.History[i].Text()))
		}

	case "/undo":
		if err := sess.Undo(); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Undone. %d undo / %d redo states remain.\n", sess.UndoDepth(), sess.RedoDepth())

	case "/redo":
		if err := sess.Redo(); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Redone. %d undo / %d redo states remain.\n", sess.UndoDepth(), sess.RedoDepth())

	case "/compact":
		summary, err := t.agent.Summarize(ctx)
		if err != nil {
			return err
		}
		sess.Checkpoint()
		sess.Compact(summary)
		fmt.Fprintln(t.out, "History compacted; /undo restores the full conversation.")

	case "/session":
		return t.sessionCommand(args)

	case "/transcript":
		path := fmt.Sprintf("%s_transcript.md", sess.Name)
		if len(args) > 0 {
			path = args[0]
		}
		if err := sess.ExportTranscript(path); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Transcript written to %s\n", path)

	case "/perm":
		return t.permCommand(args)

	case "/note":
		if rest == "" {
			for i, n := range sess.Notes {
				fmt.Fprintf(t.out, "[%d] %s (%s)\n", i, n.Text, n.Time.Format("2006-01-02 15:04"))
			}
			return nil
		}
		sess.Notes = append(sess.Notes, session.Note{Text: rest, Time: time.Now()})
		fmt.Fprintln(t.out, "Noted.")

	case "/todo":
		return t.todoCommand(args, rest)

	case "/pin":
		if rest == "" {
			for i, p := range sess.Pins {
				fmt.Fprintf(t.out, "[%d] %s\n", i, p)
			}
			return nil
		}
		sess.Pins = append(sess.Pins, rest)
		fmt.Fprintln(t.out, "Pinned.")

	case "/tag":
		if len(args) == 0 {
			for k, v := range sess.Tags {
				fmt.Fprintf(t.out, "%s = %s\n", k, v)
			}
			return nil
		}
		if len(args) < 2 {
			return errors.New("usage: /tag <key> <value>")
		}
		if sess.Tags == nil {
			sess.Tags = map[string]string{}
		}
		sess.Tags[args[0]] = strings.Join(args[1:], " ")
		fmt.Fprintln(t.out, "Tagged.")

	case "/bookmark":
		return t.bookmarkCommand(args)

	case "/handoff":
		t.handoff = !t.handoff
		if t.handoff {
			fmt.Fprintln(t.out, "Delegation enabled: the model may use delegate_task.")
		} else {
			fmt.Fprintln(t.out, "Delegation disabled.")
		}

	case "/retry":
		if t.lastInput == "" {
			return errors.New("nothing to retry")
		}
		t.processTurn(ctx, t.lastInput)

	case "/last":
		text := sess.LastModelText()
		if text == "" {
			fmt.Fprintln(t.out, "No model response yet.")
			return nil
		}
		fmt.Fprintln(t.out, text)

	case "/model":
		if len(args) == 0 {
			fmt.Fprintf(t.out, "Current model: %s\n", sess.Model)
			return nil
		}
		sess.Model = args[0]
		fmt.Fprintf(t.out, "Model set to %s\n", sess.Model)

	case "/status":
		t.printStatus()

	default:
		return errors.New("unknown command %s; try /help", cmd)
	}
	return nil
}

func (t *Terminal) sessionCommand(args []string) error {
	sess := t.agent.Session
	if len(args) == 0 {
		return errors.New("usage: /session list|save|load|new|export|import ...")
	}
	switch args[0] {
	case "list":
		names, err := session.List(t.sessionsDir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(t.out, "No saved sessions.")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(t.out, name)
		}
	case "save":
		if len(args) > 1 {
			if err := sess.SaveAs(args[1]); err != nil {
				return err
			}
		} else if err := sess.Save(); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Session saved as %s\n", sess.Name)
	case "load":
		if len(args) < 2 {
			return errors.New("usage: /session load <name>")
		}
		loaded, err := session.Load(args[1], t.sessionsDir)
		if err != nil {
			return err
		}
		loaded.Model = pickModel(loaded.Model, sess.Model)
		t.agent.Session = loaded
		fmt.Fprintf(t.out, "Loaded session %s (%d messages).\n", loaded.Name, len(loaded.History))
	case "new":
		name := fmt.Sprintf("session_%s", time.Now().Format("20060102_150405"))
		if len(args) > 1 {
			name = args[1]
		}
		fresh := session.New(name, t.sessionsDir)
		fresh.Model = sess.Model
		t.agent.Session = fresh
		fmt.Fprintf(t.out, "Started fresh session %s.\n", name)
	case "export":
		if len(args) < 2 {
			return errors.New("usage: /session export <path>")
		}
		if err := sess.Export(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Session exported to %s\n", args[1])
	case "import":
		if len(args) < 3 {
			return errors.New("usage: /session import <path> <name>")
		}
		imported, err := session.Import(args[1], args[2], t.sessionsDir)
		if err != nil {
			return err
		}
		imported.Model = pickModel(imported.Model, sess.Model)
		t.agent.Session = imported
		fmt.Fprintf(t.out, "Imported session %s (%d messages).\n", imported.Name, len(imported.History))
	default:
		return errors.New("unknown subcommand /session %s", args[0])
	}
	return nil
}

func pickModel(loaded, current string) string {
	if loaded != "" {
		return loaded
	}
	return current
}

func (t *Terminal) permCommand(args []string) error {
	perms := t.agent.Executor.Perms
	if len(args) == 0 {
		return errors.New("usage: /perm list|mode|trust|untrust|once|clear-once|check ...")
	}
	switch args[0] {
	case "list":
		entries := perms.List()
		fmt.Fprintf(t.out, "Mode: %s\n", perms.Mode())
		for _, e := range entries {
			fmt.Fprintf(t.out, "%-10s %s\n", e.Rule, e.Path)
		}
	case "mode":
		if len(args) < 2 {
			fmt.Fprintf(t.out, "Mode: %s\n", perms.Mode())
			return nil
		}
		if err := perms.SetMode(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Permission mode set to %s\n", args[1])
	case "trust":
		if len(args) < 2 {
			return errors.New("usage: /perm trust <dir>")
		}
		if err := perms.Trust(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Trusted %s\n", args[1])
	case "untrust":
		if len(args) < 2 {
			return errors.New("usage: /perm untrust <dir>")
		}
		if err := perms.Untrust(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Untrusted %s\n", args[1])
	case "once":
		if len(args) < 2 {
			return errors.New("usage: /perm once <dir>")
		}
		if err := perms.AllowOnce(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "One operation allowed under %s\n", args[1])
	case "clear-once":
		perms.ClearOnce()
		fmt.Fprintln(t.out, "Pending one-time grants cleared.")
	case "check":
		if len(args) < 3 {
			return errors.New("usage: /perm check <path> <op>")
		}
		fmt.Fprintln(t.out, perms.Check(args[1], args[2]))
	default:
		return errors.New("unknown subcommand /perm %s", args[0])
	}
	return nil
}

func (t *Terminal) todoCommand(args []string, rest string) error {
	sess := t.agent.Session
	if len(args) == 0 {
		if len(sess.Todos) == 0 {
			fmt.Fprintln(t.out, "No todos.")
			return nil
		}
		for i, todo := range sess.Todos {
			mark := " "
			if todo.Done {
				mark = "x"
			}
			fmt.Fprintf(t.out, "[%s] %d. %s\n", mark, i, todo.Text)
		}
		return nil
	}
	switch args[0] {
	case "add":
		text := strings.TrimSpace(strings.TrimPrefix(rest, "add"))
		if text == "" {
			return errors.New("usage: /todo add <text>")
		}
		sess.Todos = append(sess.Todos, session.Todo{Text: text})
		fmt.Fprintln(t.out, "Added.")
	case "done":
		if len(args) < 2 {
			return errors.New("usage: /todo done <n>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n >= len(sess.Todos) {
			return errors.New("no todo %s", args[1])
		}
		sess.Todos[n].Done = true
		fmt.Fprintln(t.out, "Done.")
	default:
		return errors.New("usage: /todo [add <text> | done <n>]")
	}
	return nil
}

// bookmarkCommand names a history position so it can be jumped back to
// after the conversation moves on.
func (t *Terminal) bookmarkCommand(args []string) error {
	sess := t.agent.Session
	if len(args) == 0 {
		if len(sess.Bookmarks) == 0 {
			fmt.Fprintln(t.out, "No bookmarks.")
			return nil
		}
		for _, name := range sortedKeys(sess.Bookmarks) {
			fmt.Fprintf(t.out, "%-20s -> [%d]\n", name, sess.Bookmarks[name])
		}
		return nil
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return errors.New("usage: /bookmark add <name> [index]")
		}
		if len(sess.History) == 0 {
			return errors.New("nothing to bookmark yet")
		}
		index := len(sess.History) - 1
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 0 || n >= len(sess.History) {
				return errors.New("no history message %s", args[2])
			}
			index = n
		}
		if sess.Bookmarks == nil {
			sess.Bookmarks = map[string]int{}
		}
		sess.Bookmarks[args[1]] = index
		fmt.Fprintf(t.out, "Bookmarked [%d] as %s.\n", index, args[1])
	case "del":
		if len(args) < 2 {
			return errors.New("usage: /bookmark del <name>")
		}
		if _, ok := sess.Bookmarks[args[1]]; !ok {
			return errors.New("no bookmark %q", args[1])
		}
		delete(sess.Bookmarks, args[1])
		fmt.Fprintln(t.out, "Deleted.")
	case "go":
		if len(args) < 2 {
			return errors.New("usage: /bookmark go <name>")
		}
		index, ok := sess.Bookmarks[args[1]]
		if !ok {
			return errors.New("no bookmark %q", args[1])
		}
		if index >= len(sess.History) {
			return errors.New("bookmark %q points past the current history", args[1])
		}
		msg := sess.History[index]
		fmt.Fprintf(t.out, "[%d] %s: %s\n", index, msg.Role, msg.Text())
	default:
		return errors.New("usage: /bookmark [add <name> [index] | del <name> | go <name>]")
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Terminal) printStatus() {
	sess := t.agent.Session
	fmt.Fprintf(t.out, "Session:    %s\n", sess.Name)
	fmt.Fprintf(t.out, "Model:      %s\n", sess.Model)
	fmt.Fprintf(t.out, "Messages:   %d\n", len(sess.History))
	fmt.Fprintf(t.out, "Turns:      %d\n", sess.TurnCount)
	fmt.Fprintf(t.out, "Tool calls: %d\n", sess.ToolCallCount)
	fmt.Fprintf(t.out, "Commands:   %d\n", len(sess.Commands))
	fmt.Fprintf(t.out, "Undo/redo:  %d/%d\n", sess.UndoDepth(), sess.RedoDepth())
	fmt.Fprintf(t.out, "Perm mode:  %s\n", t.agent.Executor.Perms.Mode())
	fmt.Fprintf(t.out, "Handoff:    %v\n", t.handoff)
	if sess.CWD != "" {
		fmt.Fprintf(t.out, "Directory:  %s\n", sess.CWD)
	}
}

func (t *Terminal) preview(text string) string {
	limit := t.agent.Config.Settings.HistoryPreviewChars
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}

func (t *Terminal) printHelp() {
	fmt.Fprint(t.out, `Commands:
  /clear                     drop the conversation history
  /trim <n>                  keep only the last n messages
  /find <text>               search the history
  /undo, /redo               step through session snapshots
  /compact                   replace the history with a model summary
  /session list|save [name]|load <name>|new [name]|export <path>|import <path> <name>
  /transcript [path]         export the conversation as Markdown
  /perm list|mode [m]|trust <dir>|untrust <dir>|once <dir>|clear-once|check <path> <op>
  /note [text]               add or list notes
  /todo [add <text>|done <n>]
  /pin [text]                add or list pinned snippets
  /bookmark [add <name> [index]|del <name>|go <name>]
  /tag [key value]           set or list tags
  /handoff                   toggle delegation to sub-agents
  /retry                     resend the last prompt
  /last                      print the last model response
  /model [name]              show or switch the model
  /status                    session overview
  exit | quit                leave
`)
}
