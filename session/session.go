package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gemcli/errors"
)

// Message roles. Tool results are "tool"-role messages internally; backend
// adapters that need Gemini wire roles map tool -> user during conversion.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// FunctionCall is a model-issued request to invoke a tool.
type FunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// FunctionResponse carries one tool result back to the model. Response holds
// either {"output": ...} or {"error": ...}.
type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// Part is exactly one of text, functionCall or functionResponse. The JSON
// field names match the Gemini history format so saved sessions round-trip
// through the bridge unchanged.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// FunctionCalls returns the function-call parts of a message, in order.
func (m Message) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

type Todo struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type Note struct {
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Session is the full replayable conversation state. Everything exported
// here is covered by undo snapshots and by Save/Load.
type Session struct {
	Name      string            `json:"name"`
	Model     string            `json:"model,omitempty"`
	CWD       string            `json:"cwd,omitempty"`
	History   []Message         `json:"history"`
	Notes     []Note            `json:"notes,omitempty"`
	Todos     []Todo            `json:"todos,omitempty"`
	Pins      []string          `json:"pins,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Bookmarks map[string]int    `json:"bookmarks,omitempty"`
	Commands  []string          `json:"commands,omitempty"`

	TurnCount     int `json:"turn_count"`
	ToolCallCount int `json:"tool_call_count"`

	dir  string
	undo *undoStack
}

// New creates a fresh session persisted under dir (the sessions directory).
func New(name, dir string) *Session {
	return &Session{
		Name:    name,
		History: []Message{},
		dir:     dir,
		undo:    newUndoStack(),
	}
}

// Load reads a named session from dir. A file that exists but cannot be
// parsed yields a CorruptSession error and no partial state.
func Load(name, dir string) (*Session, error) {
	data, err := os.ReadFile(sessionPath(name, dir))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session %q", name)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.WrapKind(err, errors.KindCorruptSession, "could not parse session %q", name)
	}
	s.Name = name
	s.dir = dir
	s.undo = newUndoStack()
	return &s, nil
}

// Save writes the session atomically: serialize to a temp file in the same
// directory, then rename over the target. A failed save never leaves a
// truncated session file behind.
func (s *Session) Save() error {
	return s.saveAs(s.Name)
}

// SaveAs saves under a different name and adopts it as the session name.
func (s *Session) SaveAs(name string) error {
	if err := s.saveAs(name); err != nil {
		return err
	}
	s.Name = name
	return nil
}

func (s *Session) saveAs(name string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return atomicWrite(sessionPath(name, s.dir), data)
}

// Autosave persists the session as autosave_latest. Failures are returned
// for logging but callers treat autosave as best-effort.
func (s *Session) Autosave() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return atomicWrite(filepath.Join(s.dir, "autosave_latest.json"), data)
}

// LoadAutosave restores the most recent autosave, if any.
func LoadAutosave(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, "autosave_latest.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "no autosave found")
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.WrapKind(err, errors.KindCorruptSession, "could not parse autosave")
	}
	s.dir = dir
	s.undo = newUndoStack()
	return &s, nil
}

// List returns the names of saved sessions in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not list sessions")
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == "autosave_latest.json" {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Export writes the raw session JSON to an arbitrary path.
func (s *Session) Export(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return atomicWrite(path, data)
}

// Import reads a session from an arbitrary path and stores it under name.
func Import(path, name, dir string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.WrapKind(err, errors.KindCorruptSession, "could not parse %s", path)
	}
	s.Name = name
	s.dir = dir
	s.undo = newUndoStack()
	if err := s.Save(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AddMessage appends a message to the history.
func (s *Session) AddMessage(msg Message) {
	s.History = append(s.History, msg)
}

// Clear drops the conversation history, keeping notes, todos and the rest.
func (s *Session) Clear() {
	s.History = nil
}

// Trim keeps only the last n messages.
func (s *Session) Trim(n int) {
	if n < 0 {
		n = 0
	}
	if len(s.History) > n {
		s.History = append([]Message(nil), s.History[len(s.History)-n:]...)
	}
}

// Compact replaces the history with a single summary exchange. Callers
// snapshot before calling so /undo restores the full conversation.
func (s *Session) Compact(summary string) {
	s.History = []Message{
		TextMessage(RoleUser, "Summarize our conversation so far."),
		TextMessage(RoleModel, summary),
	}
}

// Find returns the indexes of messages whose text contains query,
// case-insensitively.
func (s *Session) Find(query string) []int {
	query = strings.ToLower(query)
	var hits []int
	for i, m := range s.History {
		if strings.Contains(strings.ToLower(m.Text()), query) {
			hits = append(hits, i)
		}
	}
	return hits
}

// LastModelText returns the text of the most recent model message.
func (s *Session) LastModelText() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleModel {
			if t := s.History[i].Text(); t != "" {
				return t
			}
		}
	}
	return ""
}

// LastUserText returns the text of the most recent user message that is not
// a tool response carrier.
func (s *Session) LastUserText() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			if t := s.History[i].Text(); t != "" {
				return t
			}
		}
	}
	return ""
}

func sessionPath(name, dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.json", name))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "could not create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not write %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not replace %s", path)
	}
	return nil
}
