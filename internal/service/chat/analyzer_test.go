package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
)

// scriptedClient answers Complete calls with canned replies in order
// and records every request it saw.
type scriptedClient struct {
	replies  []string
	err      error
	requests []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.err != nil {
		return nil, c.err
	}
	if len(c.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	text := c.replies[0]
	c.replies = c.replies[1:]
	return &llm.Response{Text: text, TokensUsed: 10}, nil
}

func (c *scriptedClient) CompleteWithTools(ctx context.Context, req llm.Request, _ []llm.Tool, _ llm.ToolResolver) (*llm.ToolOutcome, error) {
	return nil, errors.New("not used")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAnalyzer(anthropic, openai llm.Client) *Analyzer {
	return NewAnalyzer(llm.NewClientsFrom(openai, anthropic), discardLogger())
}

func history(turns ...string) []model.ChatMessage {
	msgs := make([]model.ChatMessage, 0, len(turns))
	for i, t := range turns {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.ChatMessage{Role: role, Content: t})
	}
	return msgs
}

func TestReformulateReturnsQuestionUnchangedWithoutHistory(t *testing.T) {
	// No providers wired at all: an empty history must not reach an LLM.
	a := NewAnalyzer(llm.NewClientsFrom(nil, nil), discardLogger())

	out, err := a.Reformulate(context.Background(), nil, "Did Jesus exist?")
	require.NoError(t, err)
	assert.Equal(t, "Did Jesus exist?", out)
}

func TestReformulateUsesAnthropicFirst(t *testing.T) {
	anthropic := &scriptedClient{replies: []string{"Did Luke copy Mark?"}}
	openai := &scriptedClient{}
	a := newTestAnalyzer(anthropic, openai)

	out, err := a.Reformulate(context.Background(),
		history("Did Matthew copy Mark?", "Most scholars hold that Matthew used Mark."),
		"What about Luke?")
	require.NoError(t, err)
	assert.Equal(t, "Did Luke copy Mark?", out)
	assert.Empty(t, openai.requests, "fallback provider should stay untouched")

	require.Len(t, anthropic.requests, 1)
	req := anthropic.requests[0]
	assert.Equal(t, analyzerAnthropicModel, req.Model)
	assert.Equal(t, float32(analyzerTemperature), req.Temperature)
	assert.Equal(t, analyzerMaxTokens, req.MaxTokens)
	assert.Contains(t, req.System, "context analyzer")

	require.Len(t, req.Messages, 1)
	msg := req.Messages[0].Content
	assert.Contains(t, msg, "=== Conversation History ===")
	assert.Contains(t, msg, "USER: Did Matthew copy Mark?")
	assert.Contains(t, msg, "ASSISTANT: Most scholars hold that Matthew used Mark.")
	assert.Contains(t, msg, "=== New Message ===\nWhat about Luke?")
	assert.True(t, strings.HasSuffix(msg, "Reformulated question:"))
}

func TestReformulateTrimsReply(t *testing.T) {
	anthropic := &scriptedClient{replies: []string{"  Did Luke copy Mark?\n"}}
	a := newTestAnalyzer(anthropic, &scriptedClient{})

	out, err := a.Reformulate(context.Background(), history("Did Matthew copy Mark?"), "What about Luke?")
	require.NoError(t, err)
	assert.Equal(t, "Did Luke copy Mark?", out)
}

func TestReformulateFallsBackToOpenAI(t *testing.T) {
	anthropic := &scriptedClient{err: errors.New("anthropic down")}
	openai := &scriptedClient{replies: []string{"Did Luke copy Mark?"}}
	a := newTestAnalyzer(anthropic, openai)

	out, err := a.Reformulate(context.Background(), history("Did Matthew copy Mark?"), "What about Luke?")
	require.NoError(t, err)
	assert.Equal(t, "Did Luke copy Mark?", out)

	require.Len(t, openai.requests, 1)
	assert.Equal(t, analyzerOpenAIModel, openai.requests[0].Model)
}

func TestReformulateFallsBackOnEmptyReply(t *testing.T) {
	anthropic := &scriptedClient{replies: []string{"   "}}
	openai := &scriptedClient{replies: []string{"Did Luke copy Mark?"}}
	a := newTestAnalyzer(anthropic, openai)

	out, err := a.Reformulate(context.Background(), history("Did Matthew copy Mark?"), "What about Luke?")
	require.NoError(t, err)
	assert.Equal(t, "Did Luke copy Mark?", out)
}

func TestReformulateFailsWhenBothProvidersFail(t *testing.T) {
	anthropic := &scriptedClient{err: errors.New("anthropic down")}
	openai := &scriptedClient{err: errors.New("openai down")}
	a := newTestAnalyzer(anthropic, openai)

	_, err := a.Reformulate(context.Background(), history("Did Matthew copy Mark?"), "What about Luke?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both providers")
	assert.Contains(t, err.Error(), "anthropic down")
	assert.Contains(t, err.Error(), "openai down")
}

func TestReformulateSkipsFallbackWhenContextDies(t *testing.T) {
	anthropic := &scriptedClient{}
	openai := &scriptedClient{}
	a := newTestAnalyzer(anthropic, openai)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Reformulate(ctx, history("Did Matthew copy Mark?"), "What about Luke?")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, openai.requests, "a dead context should not burn a second provider call")
}

func TestAnalyzerMessageWindowsHistory(t *testing.T) {
	h := history(
		"turn one", "answer one",
		"turn two", "answer two",
		"turn three", "answer three",
		"turn four", "answer four",
	)

	msg := analyzerMessage(h, "and now?")
	assert.NotContains(t, msg, "turn one", "only the last six messages should appear")
	assert.NotContains(t, msg, "answer one")
	assert.Contains(t, msg, "USER: turn two")
	assert.Contains(t, msg, "ASSISTANT: answer four")
}

func TestAnalyzerMessageClipsAssistantTurns(t *testing.T) {
	long := strings.Repeat("x", assistantClip+100)
	h := []model.ChatMessage{
		{Role: model.RoleUser, Content: "Did Matthew copy Mark?"},
		{Role: model.RoleAssistant, Content: long},
	}

	msg := analyzerMessage(h, "What about Luke?")
	assert.Contains(t, msg, strings.Repeat("x", assistantClip)+"...")
	assert.NotContains(t, msg, strings.Repeat("x", assistantClip+1))

	// User turns pass through whole.
	userLong := strings.Repeat("y", assistantClip+100)
	msg = analyzerMessage([]model.ChatMessage{{Role: model.RoleUser, Content: userLong}}, "q")
	assert.Contains(t, msg, userLong)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "exact", clip("exact", 5))
	assert.Equal(t, "ab...", clip("abcdef", 2))

	// Rune-safe: multibyte content is cut between runes, not inside one.
	assert.Equal(t, "κα...", clip("καὶ ἐγένετο", 2))
}
