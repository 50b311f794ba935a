package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"gemcli/errors"
	"gemcli/session"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockBackend serves Anthropic models through AWS Bedrock, for setups
// where credentials live in AWS rather than an Anthropic key.
type BedrockBackend struct {
	client *bedrockruntime.Client
}

// NewBedrockBackend builds a backend from ambient AWS credentials.
func NewBedrockBackend(ctx context.Context) (*BedrockBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to load AWS config")
	}
	return &BedrockBackend{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (b *BedrockBackend) Generate(ctx context.Context, req *Request) (Stream, error) {
	body, err := bedrockRequestBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to invoke Bedrock model")
	}
	parts, err := bedrockResponseParts(resp.Body)
	if err != nil {
		return nil, err
	}
	return newSliceStream(parts), nil
}

// Ping checks that credentials resolve; Bedrock has no cheap health call,
// so resolution at client build time is the signal.
func (b *BedrockBackend) Ping(ctx context.Context) error {
	_, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.WrapKind(err, errors.KindBackendError, "bedrock credentials unavailable")
	}
	return nil
}

func bedrockRequestBody(req *Request) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"temperature":       req.Temperature,
		"messages":          bedrockMessages(req.History),
	}
	if req.System != "" {
		request["system"] = req.System
	}
	if len(req.Tools) > 0 {
		var toolSpecs []map[string]interface{}
		for _, d := range req.Tools {
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
			spec := map[string]interface{}{
				"name":        d.Name,
				"description": d.Description,
				"input_schema": map[string]interface{}{
					"type":       "object",
					"properties": properties,
				},
			}
			if len(required) > 0 {
				spec["input_schema"].(map[string]interface{})["required"] = required
			}
			toolSpecs = append(toolSpecs, spec)
		}
		request["tools"] = toolSpecs
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}
	return body, nil
}

func bedrockMessages(history []session.Message) []map[string]interface{} {
	var messages []map[string]interface{}
	for _, msg := range history {
		switch msg.Role {
		case session.RoleModel:
			var content []map[string]interface{}
			if text := msg.Text(); text != "" {
				content = append(content, map[string]interface{}{"type": "text", "text": text})
			}
			for _, call := range msg.FunctionCalls() {
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": call.Args,
				})
			}
			if len(content) == 0 {
				continue
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": content})
		case session.RoleTool:
			var content []map[string]interface{}
			for _, p := range msg.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				payload, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					continue
				}
				content = append(content, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": p.FunctionResponse.ID,
					"content":     string(payload),
				})
			}
			if len(content) == 0 {
				continue
			}
			messages = append(messages, map[string]interface{}{"role": "user", "content": content})
		default:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Text()},
				},
			})
		}
	}
	return messages
}

func bedrockResponseParts(body []byte) ([]session.Part, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WrapKind(err, errors.KindBackendError, "failed to unmarshal Bedrock response")
	}
	if errMsg, ok := response["error"]; ok {
		return nil, errors.WithKind(errors.KindBackendError, "Bedrock API error: %v", errMsg)
	}

	contentArray, ok := response["content"].([]interface{})
	if !ok {
		return nil, nil
	}

	var parts []session.Part
	toolCallCounter := 0
	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok && text != "" {
				parts = append(parts, session.Part{Text: text})
			}
		case "tool_use":
			name, _ := itemMap["name"].(string)
			input, _ := itemMap["input"].(map[string]interface{})
			if name == "" {
				continue
			}
			id, _ := itemMap["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", toolCallCounter, name)
			}
			parts = append(parts, session.Part{FunctionCall: &session.FunctionCall{
				ID:   id,
				Name: name,
				Args: input,
			}})
			toolCallCounter++
		}
	}
	return parts, nil
}
