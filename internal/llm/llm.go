// Package llm provides a provider-neutral client for chat completions
// with tool calling.
//
// Two providers are implemented: OpenAI through the go-openai SDK and
// Anthropic through a small hand-rolled HTTP client. Both expose the
// same Client interface so agents select a provider per prompt row
// without caring about wire formats. The tool loop is bounded: a
// completion may request tools at most MaxToolCalls times before the
// model is told to answer with what it has.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultMaxToolCalls bounds the tool loop when Request.MaxToolCalls
// is unset.
const DefaultMaxToolCalls = 6

var (
	// ErrProvider marks a failed upstream API call.
	ErrProvider = errors.New("llm: provider error")

	// ErrEmptyResponse marks a completion with no text and no tool calls.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrToolBudget marks a tool loop that spent its call budget and
	// still could not produce a final answer.
	ErrToolBudget = errors.New("llm: tool call budget exhausted")

	// ErrNoJSON marks model output containing no parseable JSON value.
	ErrNoJSON = errors.New("llm: no JSON in output")
)

// Message is one turn of a conversation. Assistant turns that requested
// tools carry ToolCalls; tool result turns use RoleTool with the
// ToolCallID they answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	IsError    bool
}

// Tool describes a callable tool offered to the model. InputSchema is
// a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a model request to invoke a named tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// StringArg returns a string argument from the call input, or "" when
// absent or not a string.
func (c ToolCall) StringArg(key string) string {
	s, _ := c.Input[key].(string)
	return s
}

// ToolResolver executes a tool call and returns its result payload.
// Errors are fed back to the model as failed tool results; they do not
// abort the loop.
type ToolResolver func(ctx context.Context, call ToolCall) (string, error)

// Request is a completion request. Temperature is always sent, so zero
// means zero, not the provider default.
type Request struct {
	Model        string
	System       string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
	MaxToolCalls int
}

// Response is a single model turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	TokensUsed int
}

// ToolExecution records one executed tool call.
type ToolExecution struct {
	Call   ToolCall
	Result string
	Err    string
}

// ToolOutcome is the result of a completed tool loop: the final text
// answer plus the ordered transcript of executed calls.
type ToolOutcome struct {
	Text       string
	Executions []ToolExecution
	Turns      int
	TokensUsed int
}

// Executed reports whether any call to the named tool ran.
func (o *ToolOutcome) Executed(name string) bool {
	for _, e := range o.Executions {
		if e.Call.Name == name {
			return true
		}
	}
	return false
}

// Client is a chat completion provider.
type Client interface {
	// Complete runs a single completion without tools.
	Complete(ctx context.Context, req Request) (*Response, error)

	// CompleteWithTools runs the bounded tool loop: completions are
	// repeated while the model requests tools, each call dispatched
	// through the resolver, until the model answers in text or the
	// budget runs out.
	CompleteWithTools(ctx context.Context, req Request, tools []Tool, resolver ToolResolver) (*ToolOutcome, error)
}

// completer is the single-turn primitive both providers implement.
// The tool loop is shared on top of it.
type completer interface {
	complete(ctx context.Context, req Request, tools []Tool) (*Response, error)
}

const budgetNotice = "Tool call budget exhausted. Answer now with the information gathered so far."

// runToolLoop drives the bounded tool loop over a provider. Each round
// executes the requested calls through the resolver and appends the
// results to the conversation. When the budget is spent, pending calls
// are refused with a notice; if the model requests tools again after
// that, the loop fails with ErrToolBudget.
func runToolLoop(ctx context.Context, c completer, req Request, tools []Tool, resolver ToolResolver) (*ToolOutcome, error) {
	if resolver == nil {
		return nil, errors.New("llm: nil tool resolver")
	}

	budget := req.MaxToolCalls
	if budget <= 0 {
		budget = DefaultMaxToolCalls
	}

	msgs := append([]Message(nil), req.Messages...)
	out := &ToolOutcome{}
	refused := false

	for {
		turnReq := req
		turnReq.Messages = msgs

		resp, err := c.complete(ctx, turnReq, tools)
		if err != nil {
			return nil, err
		}
		out.Turns++
		out.TokensUsed += resp.TokensUsed

		if len(resp.ToolCalls) == 0 {
			out.Text = resp.Text
			return out, nil
		}
		if refused {
			return out, fmt.Errorf("llm: model kept requesting tools: %w", ErrToolBudget)
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			if len(out.Executions) >= budget {
				refused = true
				msgs = append(msgs, Message{
					Role:       RoleTool,
					Content:    budgetNotice,
					ToolCallID: call.ID,
					IsError:    true,
				})
				continue
			}

			result, err := resolver(ctx, call)
			exec := ToolExecution{Call: call, Result: result}
			content := result
			isErr := false
			if err != nil {
				exec.Err = err.Error()
				content = "error: " + err.Error()
				isErr = true
			}
			out.Executions = append(out.Executions, exec)
			msgs = append(msgs, Message{
				Role:       RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				IsError:    isErr,
			})
		}
	}
}

// Clients bundles the configured providers and selects one by name.
// Providers without an API key are left nil and selecting them fails.
type Clients struct {
	openai    Client
	anthropic Client
}

// NewClients wires the providers that have keys configured. Base URLs
// override the public endpoints when non-empty.
func NewClients(openaiKey, openaiBaseURL, anthropicKey, anthropicBaseURL string) *Clients {
	c := &Clients{}
	if openaiKey != "" {
		c.openai = NewOpenAIClient(openaiKey, openaiBaseURL)
	}
	if anthropicKey != "" {
		c.anthropic = NewAnthropicClient(anthropicKey, anthropicBaseURL)
	}
	return c
}

// NewClientsFrom wires explicit provider implementations. Tests use it
// to install scripted clients.
func NewClientsFrom(openaiClient, anthropicClient Client) *Clients {
	return &Clients{openai: openaiClient, anthropic: anthropicClient}
}

// For returns the client for a provider name ("openai" or "anthropic").
func (c *Clients) For(provider string) (Client, error) {
	switch provider {
	case "openai":
		if c.openai == nil {
			return nil, fmt.Errorf("llm: provider %q not configured", provider)
		}
		return c.openai, nil
	case "anthropic":
		if c.anthropic == nil {
			return nil, fmt.Errorf("llm: provider %q not configured", provider)
		}
		return c.anthropic, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}

// Configured reports whether the named provider has a client wired.
func (c *Clients) Configured(provider string) bool {
	client, err := c.For(provider)
	return err == nil && client != nil
}
