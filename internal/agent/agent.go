// Package agent implements the LLM agents behind claim audits: the
// five pipeline stages (topic finder, source checker, adversarial
// checker, writer, publisher), the tool-calling router, and the
// decomposer and composer used by the blog scheduler.
//
// Agents are deliberately thin. Each invocation loads its prompt row
// from the store (configuration is hot-editable, so nothing is cached),
// renders a user message from typed inputs, calls the LLM gateway, and
// parses the JSON the model returns. Progress events are emitted by the
// orchestrators that own a session, not here: the same agents also run
// from the scheduler where no session exists.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
)

// Failure classes. Every error returned by an agent wraps exactly one
// of these. All four are fatal for the invocation; there are no
// retries.
var (
	// ErrConfigMissing marks a missing or unusable agent_prompts row.
	ErrConfigMissing = errors.New("agent config missing")

	// ErrBadInput marks caller input missing a required field.
	ErrBadInput = errors.New("bad agent input")

	// ErrLLM marks a failed gateway or verification call.
	ErrLLM = errors.New("agent llm call failed")

	// ErrParse marks model output that broke the agent's contract.
	ErrParse = errors.New("agent output unparseable")
)

// PromptSource loads agent configuration rows. Implemented by the
// storage layer. Agents read their prompt on every invocation so an
// admin edit applies to the very next call.
type PromptSource interface {
	GetAgentPrompt(ctx context.Context, agentName string) (model.AgentPrompt, error)
}

// SourceVerifier resolves source queries to verified citations and
// re-checks previously collected sources. Implemented by the verify
// service.
type SourceVerifier interface {
	// VerifySource resolves one source query through the verification
	// tiers and returns a source with its verification metadata filled.
	VerifySource(ctx context.Context, claimText, query string, kind model.SourceKind) (model.Source, error)

	// Reverify re-checks a collected source: the quote against tier
	// content and the URL for reachability.
	Reverify(ctx context.Context, src model.Source) (model.SourceRecheck, error)
}

// ClaimSearcher is the router's window onto the claim store: semantic
// search over existing cards plus full-card retrieval for the details
// tool.
type ClaimSearcher interface {
	SearchClaims(ctx context.Context, query string, limit int) ([]model.ClaimSearchResult, error)
	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
}

// Config carries the routing knobs that live outside prompt rows.
type Config struct {
	// ExactThreshold is the similarity at or above which a single
	// search hit counts as the same claim.
	ExactThreshold float64

	// ContextualThreshold is the similarity at or above which a hit is
	// related enough to synthesize from.
	ContextualThreshold float64

	// MaxToolCalls bounds the router's tool loop.
	MaxToolCalls int
}

// Agents runs the LLM agents. Construct once with the shared
// dependencies; methods are safe for concurrent use.
type Agents struct {
	prompts  PromptSource
	clients  *llm.Clients
	verifier SourceVerifier
	searcher ClaimSearcher
	logger   *slog.Logger

	exactThreshold      float64
	contextualThreshold float64
	maxToolCalls        int
}

// New creates the agent runner. Zero Config fields fall back to the
// standard thresholds (0.92 exact, 0.80 contextual) and tool budget.
func New(prompts PromptSource, clients *llm.Clients, verifier SourceVerifier, searcher ClaimSearcher, cfg Config, logger *slog.Logger) *Agents {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExactThreshold == 0 {
		cfg.ExactThreshold = 0.92
	}
	if cfg.ContextualThreshold == 0 {
		cfg.ContextualThreshold = 0.80
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = llm.DefaultMaxToolCalls
	}
	return &Agents{
		prompts:             prompts,
		clients:             clients,
		verifier:            verifier,
		searcher:            searcher,
		logger:              logger,
		exactThreshold:      cfg.ExactThreshold,
		contextualThreshold: cfg.ContextualThreshold,
		maxToolCalls:        cfg.MaxToolCalls,
	}
}

// fail wraps cause in one of the failure classes, keyed by agent name.
func fail(agent string, class, cause error) error {
	return fmt.Errorf("agent: %s: %w: %v", agent, class, cause)
}

// badInput reports a missing required input field.
func badInput(agent, detail string) error {
	return fmt.Errorf("agent: %s: %w: %s", agent, ErrBadInput, detail)
}

// prompt loads the agent's configuration row and resolves its provider
// client. Either failure is config class: the invocation cannot start.
func (a *Agents) prompt(ctx context.Context, name string) (model.AgentPrompt, llm.Client, error) {
	p, err := a.prompts.GetAgentPrompt(ctx, name)
	if err != nil {
		return model.AgentPrompt{}, nil, fail(name, ErrConfigMissing, err)
	}
	client, err := a.clients.For(p.LLMProvider)
	if err != nil {
		return model.AgentPrompt{}, nil, fail(name, ErrConfigMissing, err)
	}
	return p, client, nil
}

// complete runs a single no-tools completion under the prompt row.
func complete(ctx context.Context, client llm.Client, p model.AgentPrompt, userMessage string) (*llm.Response, error) {
	return client.Complete(ctx, llm.Request{
		Model:       p.ModelName,
		System:      p.SystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: userMessage}},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
}

// ask runs one prompt-configured completion and extracts the JSON
// object from the reply into out.
func (a *Agents) ask(ctx context.Context, name, userMessage string, out any) error {
	p, client, err := a.prompt(ctx, name)
	if err != nil {
		return err
	}
	resp, err := complete(ctx, client, p, userMessage)
	if err != nil {
		return fail(name, ErrLLM, err)
	}
	if err := llm.ExtractInto(resp.Text, out); err != nil {
		a.logger.Debug("agent output did not parse", "agent", name, "output", truncate(resp.Text, 500))
		return fail(name, ErrParse, err)
	}
	return nil
}

// stringList tolerates models that return a lone string where the
// contract asks for a list.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	*l = []string{s}
	return nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
