package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAICompleteText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Fatalf("Authorization = %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["model"] != "gpt-5" {
			t.Fatalf("model = %v", payload["model"])
		}
		messages := payload["messages"].([]any)
		first := messages[0].(map[string]any)
		if first["role"] != "system" {
			t.Fatalf("first message role = %v", first["role"])
		}
		if _, hasTools := payload["tools"]; !hasTools {
			t.Fatal("expected tools in payload")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "There were 42 orders last month."}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}

	resp, err := client.Complete(context.Background(), Request{
		System:   "You answer analytics questions.",
		Messages: []Message{{Role: RoleUser, Content: "How many orders last month?"}},
		Tools: []ToolSpec{{
			Name:        "run_sql",
			Description: "Execute a read-only SQL query.",
			Properties:  map[string]Property{"sql": {Type: "string"}},
			Required:    []string{"sql"},
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall != nil || resp.Text != "There were 42 orders last month." {
		t.Fatalf("Response = %+v", resp)
	}
}

func TestOpenAICompleteToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "", "tool_calls": [
			{"id": "call_1", "function": {"name": "run_sql", "arguments": "{\"sql\": \"SELECT 1\"}"}}
		]}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "count"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall == nil {
		t.Fatal("expected tool call response")
	}
	if resp.ToolCall.ID != "call_1" || resp.ToolCall.Name != "run_sql" {
		t.Fatalf("ToolCall = %+v", resp.ToolCall)
	}

	var args map[string]string
	if err := json.Unmarshal(resp.ToolCall.Args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args["sql"] != "SELECT 1" {
		t.Fatalf("args = %v", args)
	}
}

func TestOpenAICompleteMapsConversation(t *testing.T) {
	var captured []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		captured = payload["messages"].([]any)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "done"}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}

	_, err = client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleUser, Content: "count orders"},
			{Role: RoleAssistant, ToolCall: &ToolCall{ID: "call_1", Name: "run_sql", Args: json.RawMessage(`{"sql":"SELECT 1"}`)}},
			{Role: RoleTool, ToolCallID: "call_1", Content: `{"row_count":1}`},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(captured) != 3 {
		t.Fatalf("len(messages) = %d", len(captured))
	}
	assistant := captured[1].(map[string]any)
	toolCalls := assistant["tool_calls"].([]any)
	if len(toolCalls) != 1 {
		t.Fatalf("tool_calls = %v", toolCalls)
	}
	toolMsg := captured[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" {
		t.Fatalf("tool message = %v", toolMsg)
	}
}

func TestOpenAICompleteTransportErrorIsNotMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("transport error classified as malformed: %v", err)
	}
}

func TestParseChatCompletionMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty choices", body: `{"choices": []}`},
		{name: "no content no tool call", body: `{"choices": [{"message": {"content": ""}}]}`},
		{name: "tool call without name", body: `{"choices": [{"message": {"tool_calls": [{"id": "c1", "function": {"name": "", "arguments": "{}"}}]}}]}`},
		{name: "tool call with invalid args", body: `{"choices": [{"message": {"tool_calls": [{"id": "c1", "function": {"name": "run_sql", "arguments": "{not json"}}]}}]}`},
		{name: "not json at all", body: `<html>gateway error</html>`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseChatCompletion([]byte(tc.body))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("parseChatCompletion() error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestParseChatCompletionEmptyArgumentsDefaultsToObject(t *testing.T) {
	resp, err := parseChatCompletion([]byte(`{"choices": [{"message": {"tool_calls": [{"id": "c1", "function": {"name": "search_tables", "arguments": ""}}]}}]}`))
	if err != nil {
		t.Fatalf("parseChatCompletion() error = %v", err)
	}
	if string(resp.ToolCall.Args) != "{}" {
		t.Fatalf("Args = %s", resp.ToolCall.Args)
	}
}
