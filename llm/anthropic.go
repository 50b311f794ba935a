package llm

import (
	"context"
	"encoding/json"
	"os"

	"gemcli/errors"
	"gemcli/session"
	"gemcli/tools"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend serves claude-* models directly.
type AnthropicBackend struct {
	client *anthropic.Client
}

func NewAnthropicBackend(ctx context.Context) (*AnthropicBackend, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.WithKind(errors.KindBackendError, "ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBackend{client: &client}, nil
}

func (a *AnthropicBackend) Generate(ctx context.Context, req *Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   4096,
		Messages:    anthropicMessages(req.History),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, toolParam := range anthropicTools(req.Tools) {
		tp := toolParam
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to send message to Anthropic")
	}
	parts, err := anthropicResponseParts(resp)
	if err != nil {
		return nil, err
	}
	return newSliceStream(parts), nil
}

func (a *AnthropicBackend) Ping(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_0,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return errors.WrapKind(err, errors.KindBackendError, "anthropic ping failed")
	}
	return nil
}

func anthropicResponseParts(resp *anthropic.Message) ([]session.Part, error) {
	var parts []session.Part
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, session.Part{Text: c.Text})
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.WrapKind(err, errors.KindBackendError, "failed to unmarshal tool call input")
			}
			parts = append(parts, session.Part{FunctionCall: &session.FunctionCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			}})
		}
	}
	return parts, nil
}

func anthropicMessages(history []session.Message) []anthropic.MessageParam {
	var anthropicMessages []anthropic.MessageParam
	for _, msg := range history {
		switch msg.Role {
		case session.RoleModel:
			var contentItems []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: text},
				})
			}
			for _, call := range msg.FunctionCalls() {
				argsBytes, err := json.Marshal(call.Args)
				if err != nil {
					continue
				}
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    call.ID,
						Name:  call.Name,
						Input: argsBytes,
					},
				})
			}
			if len(contentItems) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: contentItems,
			})
		case session.RoleTool:
			var contentItems []anthropic.ContentBlockParamUnion
			for _, p := range msg.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				payload, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					continue
				}
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: p.FunctionResponse.ID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: string(payload)},
						}},
					},
				})
			}
			if len(contentItems) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: contentItems,
			})
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Text()),
			))
		}
	}
	return anthropicMessages
}

func anthropicTools(decls []tools.Declaration) []anthropic.ToolParam {
	if len(decls) == 0 {
		return nil
	}
	var anthropicTools []anthropic.ToolParam
	for _, d := range decls {
		properties := map[string]interface{}{}
		var required []string
		for _, p := range d.Params {
			properties[p.Name] = map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		})
	}
	return anthropicTools
}
