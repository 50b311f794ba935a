package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bridge drives a helper subprocess that holds OAuth credentials and
// proxies generation calls, speaking newline-delimited JSON on its stdio.
//
// The subprocess announces itself with a single ready line. Requests sent
// before that line arrives are queued and flushed in order once it does;
// a failed handshake fails the queued requests and every later one.
type Bridge struct {
	mu      sync.Mutex
	w       io.Writer
	cmd     *exec.Cmd
	ready   bool
	failed  error
	queue   [][]byte
	pending map[string]chan bridgeEvent
	readyCh chan struct{}
	email   string
	tier    string
	log     *zap.Logger
}

type bridgeEvent struct {
	part *session.Part
	done bool
	pong bool
	err  error
}

// StartBridge launches the bridge subprocess and begins reading its stdout.
func StartBridge(command []string, log *zap.Logger) (*Bridge, error) {
	if len(command) == 0 {
		return nil, errors.WithKind(errors.KindBridgeError, "no bridge command configured")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBridgeError, "could not open bridge stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBridgeError, "could not open bridge stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.WrapKind(err, errors.KindBridgeError, "could not start bridge %q", command[0])
	}
	b := newBridge(stdout, stdin, log)
	b.cmd = cmd
	return b, nil
}

// NewBridgeIO builds a bridge over arbitrary reader/writer pairs. Tests use
// in-memory pipes; production goes through StartBridge.
func NewBridgeIO(r io.Reader, w io.Writer, log *zap.Logger) *Bridge {
	return newBridge(r, w, log)
}

func newBridge(r io.Reader, w io.Writer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		w:       w,
		pending: make(map[string]chan bridgeEvent),
		readyCh: make(chan struct{}),
		log:     log,
	}
	go b.readLoop(r)
	return b
}

// bridgeMsg is the superset of every line the subprocess emits.
type bridgeMsg struct {
	Ready   *bool  `json:"ready,omitempty"`
	Email   string `json:"email,omitempty"`
	Tier    string `json:"tier,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Message string `json:"message,omitempty"`

	ID    string          `json:"id,omitempty"`
	Part  *session.Part   `json:"part,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Pong  bool            `json:"pong,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

func (m *bridgeMsg) errorText() string {
	if len(m.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return s
	}
	return string(m.Error)
}

func (b *Bridge) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg bridgeMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			b.log.Warn("bridge sent unparseable line", zap.Error(err))
			continue
		}
		if msg.Ready != nil {
			b.handleReady(&msg)
			continue
		}
		if msg.ID != "" {
			b.dispatch(&msg)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	b.fail(errors.WrapKind(err, errors.KindBridgeError, "bridge connection closed"))
}

func (b *Bridge) handleReady(msg *bridgeMsg) {
	if !*msg.Ready {
		detail := msg.Message
		if detail == "" {
			detail = msg.errorText()
		}
		b.fail(errors.WithKind(errors.KindBridgeError, "bridge startup failed: %s", detail))
		return
	}
	b.mu.Lock()
	// Flush before flipping ready so a concurrent send cannot slip a new
	// request ahead of the queued ones.
	for _, raw := range b.queue {
		if _, err := b.w.Write(append(raw, '\n')); err != nil {
			b.queue = nil
			b.mu.Unlock()
			// fail notifies every pending request and unblocks WaitReady.
			b.fail(errors.WrapKind(err, errors.KindBridgeError, "bridge write failed during flush"))
			return
		}
	}
	b.queue = nil
	b.ready = true
	b.email = msg.Email
	b.tier = msg.Tier
	b.mu.Unlock()

	b.log.Info("bridge ready", zap.String("tier", msg.Tier), zap.String("mode", msg.Mode))
	close(b.readyCh)
}

func (b *Bridge) dispatch(msg *bridgeMsg) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	if ok && (msg.Done || len(msg.Error) > 0) {
		delete(b.pending, msg.ID)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Warn("bridge response for unknown request", zap.String("id", msg.ID))
		return
	}

	var ev bridgeEvent
	switch {
	case len(msg.Error) > 0:
		ev.err = errors.WithKind(errors.KindBackendError, "bridge generate failed: %s", msg.errorText())
	case msg.Done:
		ev.done = true
	case msg.Pong:
		ev.pong = true
	case msg.Part != nil:
		ev.part = msg.Part
	default:
		return
	}
	ch <- ev
}

// fail poisons the bridge: queued and in-flight requests get the error,
// and every later call returns it immediately.
func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.failed != nil {
		b.mu.Unlock()
		return
	}
	b.failed = err
	b.queue = nil
	pending := b.pending
	b.pending = make(map[string]chan bridgeEvent)
	wasReady := b.ready
	b.ready = true
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- bridgeEvent{err: err}
	}
	if !wasReady {
		close(b.readyCh)
	}
}

// WaitReady blocks until the handshake resolves, reporting the startup
// error if the bridge refused.
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
	case <-ctx.Done():
		return errors.WrapKind(ctx.Err(), errors.KindBridgeError, "waiting for bridge")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Account reports the identity the bridge authenticated as.
func (b *Bridge) Account() (email, tier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.email, b.tier
}

func (b *Bridge) send(raw []byte, id string, ch chan bridgeEvent) error {
	b.mu.Lock()
	if b.failed != nil {
		err := b.failed
		b.mu.Unlock()
		return err
	}
	if ch != nil {
		b.pending[id] = ch
	}
	if !b.ready {
		b.queue = append(b.queue, raw)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.writeLine(raw)
}

func (b *Bridge) writeLine(raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.w.Write(append(raw, '\n')); err != nil {
		return errors.WrapKind(err, errors.KindBridgeError, "bridge write failed")
	}
	return nil
}

// Close terminates the subprocess, if any.
func (b *Bridge) Close() error {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		return b.cmd.Wait()
	}
	return nil
}

type bridgeContent struct {
	Role  string         `json:"role"`
	Parts []session.Part `json:"parts"`
}

type bridgeRequest struct {
	ID           string          `json:"id"`
	Method       string          `json:"method"`
	Contents     []bridgeContent `json:"contents,omitempty"`
	Model        string          `json:"model,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Tools        []bridgeTool    `json:"tools,omitempty"`
}

type bridgeTool struct {
	FunctionDeclarations []bridgeFuncDecl `json:"function_declarations"`
}

type bridgeFuncDecl struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  bridgeSchema `json:"parameters"`
}

type bridgeSchema struct {
	Type       string                  `json:"type"`
	Properties map[string]bridgeSchema `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`

	Description string `json:"description,omitempty"`
}

func (b *Bridge) Generate(ctx context.Context, req *Request) (Stream, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(bridgeRequest{
		ID:           id,
		Method:       "generate",
		Contents:     bridgeContents(req.History),
		Model:        req.Model,
		SystemPrompt: req.System,
		Tools:        bridgeTools(req.Tools),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode bridge request")
	}
	ch := make(chan bridgeEvent, 64)
	if err := b.send(raw, id, ch); err != nil {
		b.drop(id)
		return nil, err
	}
	return &bridgeStream{bridge: b, id: id, ch: ch}, nil
}

func (b *Bridge) Ping(ctx context.Context) error {
	id := uuid.NewString()
	raw, err := json.Marshal(bridgeRequest{ID: id, Method: "ping"})
	if err != nil {
		return errors.Wrapf(err, "failed to encode ping")
	}
	ch := make(chan bridgeEvent, 1)
	if err := b.send(raw, id, ch); err != nil {
		b.drop(id)
		return err
	}
	select {
	case ev := <-ch:
		b.drop(id)
		return ev.err
	case <-ctx.Done():
		b.drop(id)
		return errors.WrapKind(ctx.Err(), errors.KindBridgeError, "ping")
	}
}

func (b *Bridge) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

type bridgeStream struct {
	bridge *Bridge
	id     string
	ch     chan bridgeEvent
}

func (s *bridgeStream) Recv() (session.Part, error) {
	ev := <-s.ch
	switch {
	case ev.err != nil:
		return session.Part{}, ev.err
	case ev.done:
		return session.Part{}, io.EOF
	case ev.part != nil:
		return *ev.part, nil
	}
	return session.Part{}, errors.WithKind(errors.KindBridgeError, "bridge sent an empty response part")
}

// bridgeContents maps internal roles to the Gemini wire roles the helper
// expects: tool results ride as user-role functionResponse parts.
func bridgeContents(history []session.Message) []bridgeContent {
	var contents []bridgeContent
	for _, msg := range history {
		role := "user"
		if msg.Role == session.RoleModel {
			role = "model"
		}
		contents = append(contents, bridgeContent{Role: role, Parts: msg.Parts})
	}
	return contents
}

func bridgeTools(decls []tools.Declaration) []bridgeTool {
	if len(decls) == 0 {
		return nil
	}
	var funcDecls []bridgeFuncDecl
	for _, d := range decls {
		schema := bridgeSchema{Type: "OBJECT", Properties: map[string]bridgeSchema{}}
		for _, p := range d.Params {
			schema.Properties[p.Name] = bridgeSchema{
				Type:        bridgeType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		funcDecls = append(funcDecls, bridgeFuncDecl{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return []bridgeTool{{FunctionDeclarations: funcDecls}}
}

func bridgeType(t string) string {
	switch t {
	case tools.TypeInteger:
		return "INTEGER"
	case tools.TypeNumber:
		return "NUMBER"
	case tools.TypeBoolean:
		return "BOOLEAN"
	}
	return "STRING"
}
