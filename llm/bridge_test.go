package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"github.com/stretchr/testify/require"
)

// testBridge wires a Bridge to in-memory pipes so the test plays the role
// of the subprocess.
type testBridge struct {
	bridge   *Bridge
	toBridge *io.PipeWriter // the fake subprocess's stdout
	requests *bufio.Scanner // what the bridge wrote to the fake stdin
}

// reqBuffer is an unbounded in-memory pipe for the bridge's request writes.
// The bridge writes synchronously from the caller's goroutine, so the fake
// stdin must never block waiting for the test goroutine to read it back.
type reqBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newReqBuffer() *reqBuffer {
	rb := &reqBuffer{}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

func (rb *reqBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	n, err := rb.buf.Write(p)
	rb.cond.Broadcast()
	return n, err
}

func (rb *reqBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.buf.Len() == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.buf.Len() == 0 {
		return 0, io.EOF
	}
	return rb.buf.Read(p)
}

func (rb *reqBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
	return nil
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	subOut, subOutW := io.Pipe() // fake subprocess stdout -> bridge reader
	reqs := newReqBuffer()       // bridge writer -> test
	b := NewBridgeIO(subOut, reqs, nil)
	t.Cleanup(func() { subOutW.Close(); reqs.Close() })
	return &testBridge{
		bridge:   b,
		toBridge: subOutW,
		requests: bufio.NewScanner(reqs),
	}
}

func (tb *testBridge) emit(t *testing.T, line string) {
	t.Helper()
	_, err := tb.toBridge.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (tb *testBridge) nextRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	require.True(t, tb.requests.Scan(), "expected a request line")
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(tb.requests.Bytes(), &req))
	return req
}

func TestBridgeReadyFalseFailsEverything(t *testing.T) {
	tb := newTestBridge(t)
	tb.emit(t, `{"ready":false,"error":"auth_expired","message":"run the login flow again"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tb.bridge.WaitReady(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBridgeError))
	require.Contains(t, err.Error(), "run the login flow again")

	// Requests after the failed handshake fail immediately, no queuing.
	_, err = tb.bridge.Generate(context.Background(), &Request{Model: "m"})
	require.True(t, errors.Is(err, errors.KindBridgeError))
}

func TestBridgeQueuesUntilReady(t *testing.T) {
	tb := newTestBridge(t)

	// Two requests before the handshake: Generate returns once the request
	// is queued, so both can be issued up front, then flushed in submission
	// order once ready arrives.
	stream1, err := tb.bridge.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "first")},
	})
	require.NoError(t, err)
	stream2, err := tb.bridge.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "second")},
	})
	require.NoError(t, err)

	tb.emit(t, `{"ready":true,"email":"dev@example.com","tier":"standard","mode":"oauth"}`)

	req1 := tb.nextRequest(t)
	req2 := tb.nextRequest(t)
	require.Equal(t, "generate", req1["method"])
	require.Equal(t, "generate", req2["method"])
	text := func(req map[string]interface{}) string {
		contents := req["contents"].([]interface{})
		parts := contents[0].(map[string]interface{})["parts"].([]interface{})
		return parts[0].(map[string]interface{})["text"].(string)
	}
	require.Equal(t, "first", text(req1))
	require.Equal(t, "second", text(req2))

	email, tier := tb.bridge.Account()
	require.Equal(t, "dev@example.com", email)
	require.Equal(t, "standard", tier)

	// Answer both, out of submission order, to prove id correlation.
	tb.emit(t, fmt.Sprintf(`{"id":%q,"part":{"text":"two"}}`, req2["id"]))
	tb.emit(t, fmt.Sprintf(`{"id":%q,"done":true}`, req2["id"]))
	tb.emit(t, fmt.Sprintf(`{"id":%q,"part":{"text":"one"}}`, req1["id"]))
	tb.emit(t, fmt.Sprintf(`{"id":%q,"done":true}`, req1["id"]))

	p, err := stream2.Recv()
	require.NoError(t, err)
	require.Equal(t, "two", p.Text)
	_, err = stream2.Recv()
	require.Equal(t, io.EOF, err)

	p, err = stream1.Recv()
	require.NoError(t, err)
	require.Equal(t, "one", p.Text)
	_, err = stream1.Recv()
	require.Equal(t, io.EOF, err)
}

func TestBridgeStreamsPartsInOrder(t *testing.T) {
	tb := newTestBridge(t)
	tb.emit(t, `{"ready":true,"email":"dev@example.com","tier":"standard","mode":"oauth"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tb.bridge.WaitReady(ctx))

	stream, err := tb.bridge.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "list files")},
		Tools: []tools.Declaration{{
			Name:        "list_directory",
			Description: "lists a directory",
			Params: []tools.Param{
				{Name: "path", Type: tools.TypeString, Description: "dir", Required: true},
			},
		}},
	})
	require.NoError(t, err)

	req := tb.nextRequest(t)
	id := req["id"].(string)

	// Tool schemas travel as snake_case function_declarations with
	// upper-case type names.
	toolsWire, err := json.Marshal(req["tools"])
	require.NoError(t, err)
	require.Contains(t, string(toolsWire), `"function_declarations"`)
	require.Contains(t, string(toolsWire), `"OBJECT"`)
	require.Contains(t, string(toolsWire), `"STRING"`)
	require.Contains(t, string(toolsWire), `"required":["path"]`)

	tb.emit(t, fmt.Sprintf(`{"id":%q,"part":{"text":"Looking..."}}`, id))
	tb.emit(t, fmt.Sprintf(`{"id":%q,"part":{"functionCall":{"name":"list_directory","args":{"path":"."}}}}`, id))
	tb.emit(t, fmt.Sprintf(`{"id":%q,"done":true}`, id))

	p, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "Looking...", p.Text)

	p, err = stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, p.FunctionCall)
	require.Equal(t, "list_directory", p.FunctionCall.Name)
	require.Equal(t, ".", p.FunctionCall.Args["path"])

	_, err = stream.Recv()
	require.Equal(t, io.EOF, err)
}

func TestBridgeRequestError(t *testing.T) {
	tb := newTestBridge(t)
	tb.emit(t, `{"ready":true,"mode":"oauth"}`)

	stream, err := tb.bridge.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "hi")},
	})
	require.NoError(t, err)

	req := tb.nextRequest(t)
	tb.emit(t, fmt.Sprintf(`{"id":%q,"error":"model overloaded"}`, req["id"]))

	_, err = stream.Recv()
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBackendError))
	require.Contains(t, err.Error(), "model overloaded")
}

func TestBridgePing(t *testing.T) {
	tb := newTestBridge(t)
	tb.emit(t, `{"ready":true,"mode":"oauth"}`)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- tb.bridge.Ping(ctx)
	}()

	req := tb.nextRequest(t)
	require.Equal(t, "ping", req["method"])
	tb.emit(t, fmt.Sprintf(`{"id":%q,"pong":true}`, req["id"]))

	require.NoError(t, <-done)
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, fmt.Errorf("broken pipe") }

func TestBridgeFlushWriteErrorFailsQueued(t *testing.T) {
	subOut, subOutW := io.Pipe()
	b := NewBridgeIO(subOut, brokenWriter{}, nil)
	t.Cleanup(func() { subOutW.Close() })

	stream, err := b.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "hi")},
	})
	require.NoError(t, err)

	_, err = subOutW.Write([]byte(`{"ready":true,"mode":"oauth"}` + "\n"))
	require.NoError(t, err)

	// The queued request must not hang on a request the subprocess never
	// received: the flush failure comes back through its stream.
	_, err = stream.Recv()
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBridgeError))

	// And the handshake resolves as failed instead of blocking.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = b.WaitReady(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBridgeError))
}

func TestBridgeConnectionDropFailsInFlight(t *testing.T) {
	tb := newTestBridge(t)
	tb.emit(t, `{"ready":true,"mode":"oauth"}`)

	stream, err := tb.bridge.Generate(context.Background(), &Request{
		Model:   "gemini-2.5-flash",
		History: []session.Message{session.TextMessage(session.RoleUser, "hi")},
	})
	require.NoError(t, err)
	tb.nextRequest(t)

	require.NoError(t, tb.toBridge.Close())

	_, err = stream.Recv()
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBridgeError))
}

func TestScriptedBackendReplaysInOrder(t *testing.T) {
	backend := (&ScriptedBackend{}).
		Respond(session.Part{Text: "a"}).
		Fail(errors.WithKind(errors.KindBackendError, "boom"))

	stream, err := backend.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	msg, err := CollectParts(stream, session.RoleModel)
	require.NoError(t, err)
	require.Equal(t, "a", msg.Text())

	_, err = backend.Generate(context.Background(), &Request{})
	require.True(t, errors.Is(err, errors.KindBackendError))
	require.Len(t, backend.Requests, 2)
}
