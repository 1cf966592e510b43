package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewAnthropicClient creates a client. baseURL overrides the public
// endpoint when non-empty (tests point it at a fixture server).
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete runs a single completion without tools.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return c.complete(ctx, req, nil)
}

// CompleteWithTools runs the bounded tool loop.
func (c *AnthropicClient) CompleteWithTools(ctx context.Context, req Request, tools []Tool, resolver ToolResolver) (*ToolOutcome, error) {
	return runToolLoop(ctx, c, req, tools, resolver)
}

// Wire types for the Messages API.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *AnthropicClient) complete(ctx context.Context, req Request, tools []Tool) (*Response, error) {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicMaxTokens
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == RoleTool:
			// Tool results go back as user messages with a
			// tool_result block.
			body.Messages = append(body.Messages, anthropicMessage{
				Role: RoleUser,
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
					IsError:   m.IsError,
				}},
			})
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			blocks := make([]anthropicContent, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Input,
				})
			}
			body.Messages = append(body.Messages, anthropicMessage{Role: RoleAssistant, Content: blocks})
		default:
			body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}

	for _, t := range tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var envelope struct {
			Error *anthropicError `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			msg = envelope.Error.Message
		}
		return nil, fmt.Errorf("llm: anthropic status %d: %s: %w", httpResp.StatusCode, msg, ErrProvider)
	}

	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("llm: anthropic decode: %w", err)
	}

	resp := &Response{
		StopReason: out.StopReason,
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("llm: anthropic: %w", ErrEmptyResponse)
	}

	return resp, nil
}
