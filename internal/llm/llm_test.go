package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// scriptedCompleter returns canned responses in order and records every
// request it saw.
type scriptedCompleter struct {
	responses []*Response
	requests  []Request
}

func (s *scriptedCompleter) complete(_ context.Context, req Request, _ []Tool) (*Response, error) {
	s.requests = append(s.requests, req)
	if len(s.requests) > len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	return s.responses[len(s.requests)-1], nil
}

func echoResolver(_ context.Context, call ToolCall) (string, error) {
	return "result:" + call.Name, nil
}

func TestToolLoopExecutesAndReturns(t *testing.T) {
	c := &scriptedCompleter{responses: []*Response{
		{ToolCalls: []ToolCall{
			{ID: "t1", Name: "search_claims", Input: map[string]any{"query": "resurrection"}},
			{ID: "t2", Name: "get_claim_details", Input: map[string]any{"claim_id": "abc"}},
		}, TokensUsed: 100},
		{Text: "final answer", TokensUsed: 50},
	}}

	out, err := runToolLoop(context.Background(), c, Request{Model: "m"}, nil, echoResolver)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "final answer" {
		t.Errorf("text: got %q", out.Text)
	}
	if out.Turns != 2 || out.TokensUsed != 150 {
		t.Errorf("turns=%d tokens=%d", out.Turns, out.TokensUsed)
	}
	if len(out.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(out.Executions))
	}
	if out.Executions[0].Call.Name != "search_claims" || out.Executions[1].Call.Name != "get_claim_details" {
		t.Errorf("executions out of order: %+v", out.Executions)
	}
	if out.Executions[0].Result != "result:search_claims" {
		t.Errorf("result: got %q", out.Executions[0].Result)
	}

	// The second request carries the assistant turn plus both tool results.
	second := c.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("expected 3 messages in second request, got %d", len(second.Messages))
	}
	if second.Messages[0].Role != RoleAssistant || len(second.Messages[0].ToolCalls) != 2 {
		t.Errorf("assistant turn not recorded: %+v", second.Messages[0])
	}
	if second.Messages[1].Role != RoleTool || second.Messages[1].ToolCallID != "t1" {
		t.Errorf("first tool result wrong: %+v", second.Messages[1])
	}
	if second.Messages[2].ToolCallID != "t2" {
		t.Errorf("second tool result wrong: %+v", second.Messages[2])
	}
}

func TestToolLoopResolverErrorContinues(t *testing.T) {
	c := &scriptedCompleter{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "search_claims"}}},
		{Text: "answered despite failure"},
	}}
	resolver := func(_ context.Context, _ ToolCall) (string, error) {
		return "", errors.New("index offline")
	}

	out, err := runToolLoop(context.Background(), c, Request{}, nil, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "answered despite failure" {
		t.Errorf("text: got %q", out.Text)
	}
	if len(out.Executions) != 1 || out.Executions[0].Err != "index offline" {
		t.Errorf("execution error not recorded: %+v", out.Executions)
	}

	msg := c.requests[1].Messages[1]
	if !msg.IsError || !strings.Contains(msg.Content, "index offline") {
		t.Errorf("error not fed back to model: %+v", msg)
	}
}

func TestToolLoopBudgetRefusesOverflow(t *testing.T) {
	// Budget of 1, first turn asks for two tools: one runs, one refused.
	c := &scriptedCompleter{responses: []*Response{
		{ToolCalls: []ToolCall{
			{ID: "t1", Name: "search_claims"},
			{ID: "t2", Name: "search_claims"},
		}},
		{Text: "done"},
	}}

	out, err := runToolLoop(context.Background(), c, Request{MaxToolCalls: 1}, nil, echoResolver)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Executions) != 1 {
		t.Errorf("expected 1 execution, got %d", len(out.Executions))
	}

	refusal := c.requests[1].Messages[2]
	if !refusal.IsError || !strings.Contains(refusal.Content, "budget exhausted") {
		t.Errorf("refusal not sent: %+v", refusal)
	}
	if out.Text != "done" {
		t.Errorf("text: got %q", out.Text)
	}
}

func TestToolLoopBudgetExhaustedError(t *testing.T) {
	// The model ignores the refusal and keeps asking for tools.
	c := &scriptedCompleter{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "search_claims"}}},
		{ToolCalls: []ToolCall{{ID: "t2", Name: "search_claims"}}},
		{ToolCalls: []ToolCall{{ID: "t3", Name: "search_claims"}}},
	}}

	_, err := runToolLoop(context.Background(), c, Request{MaxToolCalls: 1}, nil, echoResolver)
	if !errors.Is(err, ErrToolBudget) {
		t.Errorf("expected ErrToolBudget, got %v", err)
	}
}

func TestToolLoopNoToolsRequested(t *testing.T) {
	c := &scriptedCompleter{responses: []*Response{{Text: "direct answer"}}}

	out, err := runToolLoop(context.Background(), c, Request{}, nil, echoResolver)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "direct answer" || len(out.Executions) != 0 || out.Turns != 1 {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestToolLoopNilResolver(t *testing.T) {
	c := &scriptedCompleter{}
	if _, err := runToolLoop(context.Background(), c, Request{}, nil, nil); err == nil {
		t.Error("expected error for nil resolver")
	}
}

func TestToolLoopDoesNotMutateRequestMessages(t *testing.T) {
	c := &scriptedCompleter{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "search_claims"}}},
		{Text: "ok"},
	}}
	req := Request{Messages: []Message{{Role: RoleUser, Content: "question"}}}

	if _, err := runToolLoop(context.Background(), c, req, nil, echoResolver); err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 1 {
		t.Errorf("caller messages mutated: %d", len(req.Messages))
	}
}

func TestToolOutcomeExecuted(t *testing.T) {
	out := &ToolOutcome{Executions: []ToolExecution{
		{Call: ToolCall{Name: "search_claims"}},
	}}
	if !out.Executed("search_claims") {
		t.Error("expected search_claims executed")
	}
	if out.Executed("generate_new_claim") {
		t.Error("generate_new_claim should not be executed")
	}
}

func TestToolCallStringArg(t *testing.T) {
	call := ToolCall{Input: map[string]any{"query": "genesis", "limit": 3}}
	if got := call.StringArg("query"); got != "genesis" {
		t.Errorf("got %q", got)
	}
	if got := call.StringArg("limit"); got != "" {
		t.Errorf("non-string arg should be empty, got %q", got)
	}
	if got := call.StringArg("missing"); got != "" {
		t.Errorf("missing arg should be empty, got %q", got)
	}
}

func TestClientsFor(t *testing.T) {
	c := NewClients("openai-key", "", "", "")

	if _, err := c.For("openai"); err != nil {
		t.Errorf("openai should be configured: %v", err)
	}
	if _, err := c.For("anthropic"); err == nil {
		t.Error("anthropic should not be configured")
	}
	if _, err := c.For("mistral"); err == nil {
		t.Error("unknown provider should fail")
	}
	if !c.Configured("openai") || c.Configured("anthropic") {
		t.Error("Configured reports wrong state")
	}
}

func TestClientsForError(t *testing.T) {
	c := NewClients("", "", "", "")
	_, err := c.For("anthropic")
	if err == nil {
		t.Fatal("expected error")
	}
	if want := fmt.Sprintf("llm: provider %q not configured", "anthropic"); err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
