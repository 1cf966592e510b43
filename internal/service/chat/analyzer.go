package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
)

// Analyzer settings. Reformulation runs on every chat turn, so it uses
// a short completion at low temperature with a tight deadline.
const (
	analyzerAnthropicModel = "claude-sonnet-4-5-20250929"
	analyzerOpenAIModel    = "gpt-3.5-turbo"
	analyzerTemperature    = 0.3
	analyzerMaxTokens      = 200
	analyzerTimeout        = 10 * time.Second

	// historyWindow bounds how much dialogue the analyzer sees: the
	// last three exchanges. Older turns rarely change what a
	// follow-up refers to.
	historyWindow = 6

	// assistantClip caps assistant turns in the rendered history.
	// Answers run long; the analyzer only needs their opening to
	// resolve a reference.
	assistantClip = 500
)

const analyzerSystemPrompt = `You are a context analyzer for a conversational Q&A system about Christianity claims.

Your task: Given a conversation history and a new user message, reformulate the new message into a standalone, contextualized question.

Rules:
1. If the new message is already standalone, return it as-is
2. If it references previous context ("what about...", "and...", "also...", etc.), reformulate it to include that context
3. If the message proposes an ALTERNATIVE EXPLANATION or counter-claim ("couldn't X explain this instead?", "what if...", "but couldn't it be..."), treat it as a NEW CLAIM about that alternative - do NOT tie it back to the previous claim's verdict
4. Preserve the user's intent and specific focus
5. Output ONLY the reformulated question, no explanation
6. Keep it concise and clear

Examples:

History: ["Did Matthew copy Mark?"]
New: "What about Luke?"
Output: Did Luke copy Mark?

History: ["Was the Council of Nicaea created by Constantine to control Christians?"]
New: "What evidence supports this?"
Output: What evidence supports the claim that the Council of Nicaea was created by Constantine to control Christians?

History: ["Did Moses write the Pentateuch?"]
New: "Can you explain that more?"
Output: Did Moses write the Pentateuch?

History: ["Did Matthew copy Mark?"]
New: "How do we know Matthew was copying? Couldn't they have determined the exact same messaging through divine inspiration?"
Output: Could divine inspiration explain the similarities between Matthew and Mark's gospels?

History: ["Did Jesus resurrect physically?"]
New: "What if the disciples just hallucinated?"
Output: Could the resurrection appearances be explained by hallucinations?

History: []
New: "Did Jesus exist?"
Output: Did Jesus exist?`

// Analyzer turns follow-up messages into standalone questions using
// the recent dialogue. "What about Luke?" after "Did Matthew copy
// Mark?" becomes "Did Luke copy Mark?" so the router and pipeline see
// a complete claim. It prefers Anthropic and falls back to OpenAI, and
// errors only when both providers fail.
type Analyzer struct {
	clients *llm.Clients
	logger  *slog.Logger
}

func NewAnalyzer(clients *llm.Clients, logger *slog.Logger) *Analyzer {
	return &Analyzer{clients: clients, logger: logger.With("component", "context_analyzer")}
}

// Reformulate contextualizes question against history. An empty
// history returns the question unchanged without calling a model.
func (a *Analyzer) Reformulate(ctx context.Context, history []model.ChatMessage, question string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}

	ctx, cancel := context.WithTimeout(ctx, analyzerTimeout)
	defer cancel()

	userMessage := analyzerMessage(history, question)

	text, primaryErr := a.complete(ctx, model.ProviderAnthropic, analyzerAnthropicModel, userMessage)
	if primaryErr == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("chat: context analysis: %w", primaryErr)
	}
	a.logger.Warn("context analysis falling back to openai", "error", primaryErr)

	text, fallbackErr := a.complete(ctx, model.ProviderOpenAI, analyzerOpenAIModel, userMessage)
	if fallbackErr != nil {
		return "", fmt.Errorf("chat: context analysis failed on both providers: anthropic: %v; openai: %v", primaryErr, fallbackErr)
	}
	return text, nil
}

func (a *Analyzer) complete(ctx context.Context, provider, modelName, userMessage string) (string, error) {
	client, err := a.clients.For(provider)
	if err != nil {
		return "", err
	}
	resp, err := client.Complete(ctx, llm.Request{
		Model:       modelName,
		System:      analyzerSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: userMessage}},
		Temperature: analyzerTemperature,
		MaxTokens:   analyzerMaxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

// analyzerMessage renders the dialogue window and the new message for
// the model. Both speakers appear so follow-ups that reference an
// answer ("you said X, but...") resolve too.
func analyzerMessage(history []model.ChatMessage, question string) string {
	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		content := m.Content
		if m.Role == model.RoleAssistant {
			content = clip(content, assistantClip)
		}
		lines = append(lines, strings.ToUpper(m.Role)+": "+content)
	}

	var b strings.Builder
	b.WriteString("=== Conversation History ===\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n=== New Message ===\n")
	b.WriteString(question)
	b.WriteString("\n\nReformulated question:")
	return b.String()
}

// clip shortens s to at most n runes, marking the cut.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
