package llm

import (
	"context"
	"io"
	"sync"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
)

// Request is one generation call: the full conversation so far plus the
// tool schemas the model may call.
type Request struct {
	Model       string
	System      string
	History     []session.Message
	Tools       []tools.Declaration
	Temperature float64
}

// Stream yields response parts in model order. Recv returns io.EOF after
// the final part; any other error ends the stream.
type Stream interface {
	Recv() (session.Part, error)
}

// Backend is a model provider. Providers without a streaming API return
// their whole response through a slice-backed Stream, so the agent loop
// sees one shape regardless of transport.
type Backend interface {
	Generate(ctx context.Context, req *Request) (Stream, error)
	Ping(ctx context.Context) error
}

// sliceStream adapts a fully-materialized response to the Stream interface.
type sliceStream struct {
	parts []session.Part
	next  int
}

func newSliceStream(parts []session.Part) *sliceStream {
	return &sliceStream{parts: parts}
}

func (s *sliceStream) Recv() (session.Part, error) {
	if s.next >= len(s.parts) {
		return session.Part{}, io.EOF
	}
	p := s.parts[s.next]
	s.next++
	return p, nil
}

// ScriptedBackend replays canned responses in order and records every
// request it sees. Used by tests and by nothing else.
type ScriptedBackend struct {
	mu        sync.Mutex
	responses [][]session.Part
	errs      []error
	Requests  []*Request
}

// Respond queues a response made of the given parts.
func (s *ScriptedBackend) Respond(parts ...session.Part) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, parts)
	s.errs = append(s.errs, nil)
	return s
}

// Fail queues a generation failure.
func (s *ScriptedBackend) Fail(err error) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
	return s
}

func (s *ScriptedBackend) Generate(ctx context.Context, req *Request) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.responses) == 0 {
		return nil, errors.WithKind(errors.KindBackendError, "scripted backend exhausted")
	}
	parts, err := s.responses[0], s.errs[0]
	s.responses = s.responses[1:]
	s.errs = s.errs[1:]
	if err != nil {
		return nil, err
	}
	return newSliceStream(parts), nil
}

func (s *ScriptedBackend) Ping(ctx context.Context) error { return nil }

// CollectParts drains a stream into a message with the given role.
func CollectParts(stream Stream, role string) (session.Message, error) {
	msg := session.Message{Role: role}
	for {
		part, err := stream.Recv()
		if err == io.EOF {
			return msg, nil
		}
		if err != nil {
			return msg, err
		}
		msg.Parts = append(msg.Parts, part)
	}
}
