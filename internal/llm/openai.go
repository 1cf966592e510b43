package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to the OpenAI chat completions API through the
// go-openai SDK.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client. baseURL overrides the public
// endpoint when non-empty.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Complete runs a single completion without tools.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.complete(ctx, req, nil)
}

// CompleteWithTools runs the bounded tool loop.
func (c *OpenAIClient) CompleteWithTools(ctx context.Context, req Request, tools []Tool, resolver ToolResolver) (*ToolOutcome, error) {
	return runToolLoop(ctx, c, req, tools, resolver)
}

func (c *OpenAIClient) complete(ctx context.Context, req Request, tools []Tool) (*Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:               req.Model,
		Temperature:         req.Temperature,
		MaxCompletionTokens: req.MaxTokens,
	}
	// The SDK omits a zero temperature from the wire payload, which
	// would fall back to the provider default instead of zero.
	if oreq.Temperature == 0 {
		oreq.Temperature = math.SmallestNonzeroFloat32
	}

	if req.System != "" {
		oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch {
		case m.Role == RoleTool:
			oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Input)
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			oreq.Messages = append(oreq.Messages, cm)
		default:
			oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	for _, t := range tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	oresp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, fmt.Errorf("llm: openai request: %w", err)
	}
	if len(oresp.Choices) == 0 {
		return nil, fmt.Errorf("llm: openai: %w", ErrEmptyResponse)
	}

	choice := oresp.Choices[0]
	resp := &Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		TokensUsed: oresp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("llm: openai: %w", ErrEmptyResponse)
	}

	return resp, nil
}
