package llm

import (
	"context"
	"encoding/json"
	"os"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIBackend serves gpt-* models, and any OpenAI-compatible server
// (Ollama and friends) via OPENAI_BASE_URL.
type OpenAIBackend struct {
	client *openai.Client
}

func NewOpenAIBackend(ctx context.Context) (*OpenAIBackend, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.WithKind(errors.KindBackendError, "OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(options...)
	return &OpenAIBackend{client: &c}, nil
}

func (o *OpenAIBackend) Generate(ctx context.Context, req *Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    openaiMessages(req.System, req.History),
		Tools:       openaiTools(req.Tools),
		Temperature: openai.Float(req.Temperature),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to send message to OpenAI")
	}
	parts, err := openaiResponseParts(resp)
	if err != nil {
		return nil, err
	}
	return newSliceStream(parts), nil
}

func (o *OpenAIBackend) Ping(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return errors.WrapKind(err, errors.KindBackendError, "openai ping failed")
	}
	return nil
}

func openaiResponseParts(resp *openai.ChatCompletion) ([]session.Part, error) {
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	choice := resp.Choices[0].Message

	var parts []session.Part
	if choice.Content != "" {
		parts = append(parts, session.Part{Text: choice.Content})
	}
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, errors.WrapKind(err, errors.KindBackendError, "failed to unmarshal function call arguments from OpenAI")
		}
		parts = append(parts, session.Part{FunctionCall: &session.FunctionCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	return parts, nil
}

func openaiMessages(system string, history []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range history {
		switch msg.Role {
		case session.RoleModel:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			for _, call := range msg.FunctionCalls() {
				argsBytes, err := json.Marshal(call.Args)
				if err != nil {
					continue
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      call.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			for _, p := range msg.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				payload, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					continue
				}
				chatMessages = append(chatMessages, openai.ToolMessage(string(payload), p.FunctionResponse.ID))
			}
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Text()))
		}
	}
	return chatMessages
}

func openaiTools(decls []tools.Declaration) []openai.ChatCompletionToolUnionParam {
	if len(decls) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, d := range decls {
		properties := map[string]any{}
		var required []string
		for _, p := range d.Params {
			properties[p.Name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}
