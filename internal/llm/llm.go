// Package llm defines the model client contract. A response is a strict
// tagged value: either final text or a single tool call, never both.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMalformedResponse marks model output the orchestrator cannot act on.
// It is distinct from transport failures: the request succeeded but the
// payload is unusable.
var ErrMalformedResponse = errors.New("llm: malformed model response")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one turn of the conversation sent to the model. Assistant
// messages may carry a tool call; tool messages answer one via ToolCallID.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type ToolSpec struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

type Response struct {
	Text     string
	ToolCall *ToolCall
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
