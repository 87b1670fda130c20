package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// AnthropicClient adapts the Messages API to the Client contract.
type AnthropicClient struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{client: &client, model: anthropic.Model(model), maxTokens: maxTokens}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("request messages completion: %w", err)
	}
	return parseAnthropicMessage(message)
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(message.ToolCallID, message.Content, false)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
			if message.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(message.Content))
			}
			if message.ToolCall != nil {
				var input any
				if err := json.Unmarshal(message.ToolCall.Args, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(message.ToolCall.ID, input, message.ToolCall.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(message.Content)))
		}
	}
	return out
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: spec.Properties},
		}})
	}
	return out
}

func parseAnthropicMessage(message *anthropic.Message) (Response, error) {
	var text strings.Builder
	for _, block := range message.Content {
		switch v := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			args := json.RawMessage(v.JSON.Input.Raw())
			if len(args) == 0 || !json.Valid(args) {
				return Response{}, fmt.Errorf("%w: tool use input is not valid JSON", ErrMalformedResponse)
			}
			if v.Name == "" {
				return Response{}, fmt.Errorf("%w: tool use without a name", ErrMalformedResponse)
			}
			return Response{ToolCall: &ToolCall{ID: v.ID, Name: v.Name, Args: args}}, nil
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Response{}, fmt.Errorf("%w: neither text nor tool call", ErrMalformedResponse)
	}
	return Response{Text: strings.TrimSpace(text.String())}, nil
}
