package llm

import (
	"context"
	"io"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiBackend talks to the Gemini API directly with an API key.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a direct Gemini backend from an API key.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, errors.WithKind(errors.KindBackendError, "no Gemini API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to create genai client")
	}
	return &GeminiBackend{client: client}, nil
}

func (g *GeminiBackend) Close() error {
	return g.client.Close()
}

func (g *GeminiBackend) Generate(ctx context.Context, req *Request) (Stream, error) {
	model := g.client.GenerativeModel(req.Model)
	model.SetTemperature(float32(req.Temperature))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	model.Tools = geminiTools(req.Tools)

	contents := geminiContents(req.History)
	if len(contents) == 0 {
		return nil, errors.WithKind(errors.KindBackendError, "empty history")
	}

	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	iter := chat.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter}, nil
}

// Ping verifies the key and connectivity with a cheap token count.
func (g *GeminiBackend) Ping(ctx context.Context) error {
	model := g.client.GenerativeModel("gemini-2.5-flash")
	if _, err := model.CountTokens(ctx, genai.Text("ping")); err != nil {
		return errors.WrapKind(err, errors.KindBackendError, "gemini ping failed")
	}
	return nil
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	pending []session.Part
}

func (s *geminiStream) Recv() (session.Part, error) {
	for len(s.pending) == 0 {
		resp, err := s.iter.Next()
		if err == iterator.Done {
			return session.Part{}, io.EOF
		}
		if err != nil {
			return session.Part{}, errors.WrapKind(err, errors.KindBackendError, "gemini stream failed")
		}
		s.pending = append(s.pending, geminiResponseParts(resp)...)
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil
}

func geminiResponseParts(resp *genai.GenerateContentResponse) []session.Part {
	var parts []session.Part
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				parts = append(parts, session.Part{Text: string(v)})
			case genai.FunctionCall:
				parts = append(parts, session.Part{FunctionCall: &session.FunctionCall{
					Name: v.Name,
					Args: v.Args,
				}})
			}
		}
	}
	return parts
}

// geminiContents converts internal history to the wire format. Tool-result
// messages travel as user-role content carrying functionResponse parts,
// which is what the API expects.
func geminiContents(history []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range history {
		role := "user"
		if msg.Role == session.RoleModel {
			role = "model"
		}
		var parts []genai.Part
		for _, p := range msg.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, genai.FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args})
			case p.FunctionResponse != nil:
				parts = append(parts, genai.FunctionResponse{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response})
			default:
				parts = append(parts, genai.Text(p.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func geminiTools(decls []tools.Declaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, d := range decls {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{},
		}
		for _, p := range d.Params {
			schema.Properties[p.Name] = &genai.Schema{
				Type:        geminiType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func geminiType(t string) genai.Type {
	switch t {
	case tools.TypeInteger:
		return genai.TypeInteger
	case tools.TypeNumber:
		return genai.TypeNumber
	case tools.TypeBoolean:
		return genai.TypeBoolean
	}
	return genai.TypeString
}
