package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type openaiWireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
	Temperature         float64 `json:"temperature"`
	MaxCompletionTokens int     `json:"max_completion_tokens"`
	Tools               []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func TestOpenAIComplete(t *testing.T) {
	var got openaiWireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "VERDICT: False"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 4, "total_tokens": 13}
		}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("test-key", server.URL)
	resp, err := c.Complete(context.Background(), Request{
		Model:       "gpt-4o",
		System:      "You check sources.",
		Messages:    []Message{{Role: RoleUser, Content: "Evaluate this citation."}},
		Temperature: 0.5,
		MaxTokens:   2048,
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Text != "VERDICT: False" || resp.StopReason != "stop" || resp.TokensUsed != 13 {
		t.Errorf("response: %+v", resp)
	}
	if got.Model != "gpt-4o" || got.MaxCompletionTokens != 2048 {
		t.Errorf("model=%q max=%d", got.Model, got.MaxCompletionTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("messages: %+v", got.Messages)
	}
	if got.Messages[0].Content != "You check sources." {
		t.Errorf("system content: %q", got.Messages[0].Content)
	}
}

func TestOpenAIZeroTemperatureStillSent(t *testing.T) {
	var got openaiWireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "YES"}, "finish_reason": "stop"}],
			"usage": {"total_tokens": 2}
		}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("test-key", server.URL)
	if _, err := c.Complete(context.Background(), Request{Model: "gpt-4o", Temperature: 0, Messages: []Message{{Role: RoleUser, Content: "q"}}}); err != nil {
		t.Fatal(err)
	}

	// Zero would be dropped from the payload, so a tiny epsilon stands in.
	if got.Temperature == 0 || got.Temperature > 0.001 {
		t.Errorf("temperature: got %v", got.Temperature)
	}
}

func TestOpenAIToolLoop(t *testing.T) {
	var requests []openaiWireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		requests = append(requests, req)

		if len(requests) == 1 {
			_, _ = w.Write([]byte(`{
				"choices": [{"message": {"role": "assistant", "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "search_claims", "arguments": "{\"query\": \"papias fragments\"}"}}
				]}, "finish_reason": "tool_calls"}],
				"usage": {"total_tokens": 40}
			}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "CONTEXTUAL"}, "finish_reason": "stop"}],
			"usage": {"total_tokens": 25}
		}`))
	}))
	defer server.Close()

	c := NewOpenAIClient("test-key", server.URL)
	tools := []Tool{{Name: "search_claims", Description: "Search", InputSchema: map[string]any{"type": "object"}}}
	resolver := func(_ context.Context, call ToolCall) (string, error) {
		if call.StringArg("query") != "papias fragments" {
			t.Errorf("arguments not parsed: %v", call.Input)
		}
		return "no matches", nil
	}

	req := Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "What did Papias write?"}}}
	out, err := c.CompleteWithTools(context.Background(), req, tools, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "CONTEXTUAL" || len(out.Executions) != 1 || out.TokensUsed != 65 {
		t.Fatalf("outcome: %+v", out)
	}

	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Function.Name != "search_claims" {
		t.Errorf("tools not sent: %+v", requests[0].Tools)
	}

	second := requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(second.Messages))
	}
	assistant := second.Messages[1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant turn: %+v", assistant)
	}
	toolMsg := second.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "no matches" {
		t.Errorf("tool message: %+v", toolMsg)
	}
}
