package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gemcli/errors"
)

// Decision is the outcome of a permission check.
type Decision int

const (
	Allow Decision = iota
	Deny
	Ask
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	}
	return "ask"
}

// Operations a tool can request on a path.
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpExecute = "execute"
	OpDelete  = "delete"
)

// Rules attached to a directory entry. A "once" rule allows a single
// operation under that directory and is consumed by it.
const (
	RuleTrusted   = "trusted"
	RuleUntrusted = "untrusted"
	RuleOnce      = "once"
)

// Modes. In allow-all mode every check passes without prompting; delete is
// still blocked.
const (
	ModePrompt   = "prompt"
	ModeAllowAll = "allow-all"
)

type Entry struct {
	Path string `json:"path"`
	Rule string `json:"rule"`
}

// Manager decides whether tools may touch paths. Entries apply to a
// directory and everything under it; when several entries cover a path the
// most specific (longest) one wins. Deleting files is blocked
// unconditionally, in every mode, with no entry able to override it.
type Manager struct {
	mu      sync.Mutex
	mode    string
	entries map[string]string // canonical dir -> rule
	path    string            // persistence target, empty for in-memory
}

// NewManager creates an in-memory manager in prompt mode.
func NewManager() *Manager {
	return &Manager{mode: ModePrompt, entries: map[string]string{}}
}

// Load reads the persisted permission table, or returns a fresh manager
// bound to path if none exists yet.
func Load(path string) (*Manager, error) {
	m := NewManager()
	m.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrapf(err, "could not read permission table")
	}
	var stored struct {
		Mode    string  `json:"mode"`
		Entries []Entry `json:"entries"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Wrapf(err, "could not parse permission table %s", path)
	}
	if stored.Mode == ModeAllowAll {
		m.mode = ModeAllowAll
	}
	for _, e := range stored.Entries {
		if e.Rule == RuleTrusted || e.Rule == RuleUntrusted {
			m.entries[canonical(e.Path)] = e.Rule
		}
	}
	return m, nil
}

// save persists the table. Once-rules are session-scoped and never written.
func (m *Manager) save() error {
	if m.path == "" {
		return nil
	}
	var stored struct {
		Mode    string  `json:"mode"`
		Entries []Entry `json:"entries"`
	}
	stored.Mode = m.mode
	for path, rule := range m.entries {
		if rule == RuleOnce {
			continue
		}
		stored.Entries = append(stored.Entries, Entry{Path: path, Rule: rule})
	}
	sort.Slice(stored.Entries, func(i, j int) bool {
		return stored.Entries[i].Path < stored.Entries[j].Path
	})
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize permission table")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return errors.Wrapf(err, "could not create %s", filepath.Dir(m.path))
	}
	return os.WriteFile(m.path, data, 0o644)
}

// Check decides whether op on path is allowed. It never prompts; an Ask
// result means the caller must consult the user (and may then record the
// answer with Trust, Untrust or AllowOnce).
func (m *Manager) Check(path, op string) Decision {
	if op == OpDelete {
		return Deny
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeAllowAll {
		return Allow
	}
	dir, rule := m.match(canonical(path))
	switch rule {
	case RuleTrusted:
		return Allow
	case RuleUntrusted:
		return Deny
	case RuleOnce:
		delete(m.entries, dir)
		return Allow
	}
	return Ask
}

// match finds the most specific entry covering path.
func (m *Manager) match(path string) (dir, rule string) {
	best := -1
	for d, r := range m.entries {
		if !covers(d, path) {
			continue
		}
		if len(d) > best {
			best = len(d)
			dir, rule = d, r
		}
	}
	return dir, rule
}

// covers reports whether path is dir itself or lives under it.
func covers(dir, path string) bool {
	if dir == path {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

// Trust marks a directory and its subtree as trusted. Idempotent.
func (m *Manager) Trust(path string) error {
	return m.set(path, RuleTrusted)
}

// Untrust marks a directory and its subtree as untrusted. Idempotent.
func (m *Manager) Untrust(path string) error {
	return m.set(path, RuleUntrusted)
}

// AllowOnce permits a single operation under the directory.
func (m *Manager) AllowOnce(path string) error {
	return m.set(path, RuleOnce)
}

func (m *Manager) set(path, rule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[canonical(path)] = rule
	return m.save()
}

// Remove drops any entry for the directory.
func (m *Manager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, canonical(path))
	return m.save()
}

// ClearOnce drops all pending once-grants.
func (m *Manager) ClearOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, rule := range m.entries {
		if rule == RuleOnce {
			delete(m.entries, path)
		}
	}
}

// SetMode switches between prompt and allow-all.
func (m *Manager) SetMode(mode string) error {
	if mode != ModePrompt && mode != ModeAllowAll {
		return errors.New("unknown permission mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return m.save()
}

// Mode returns the current mode.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// List returns the current entries sorted by path.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for path, rule := range m.entries {
		out = append(out, Entry{Path: path, Rule: rule})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// canonical resolves a path to its absolute, symlink-free form so entries
// for /tmp and a symlink into it agree. Resolution failures fall back to
// the cleaned absolute path (the target may not exist yet).
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	// Resolve the nearest existing ancestor so a not-yet-created file under
	// a symlinked directory still canonicalizes consistently.
	dir, base := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(resolved, base)
	}
	return filepath.Clean(abs)
}
