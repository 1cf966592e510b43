package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/storage"
)

// Router tool names.
const (
	toolSearchClaims  = "search_existing_claims"
	toolClaimDetails  = "get_claim_details"
	toolGenerateClaim = "generate_new_claim"
)

// routerSearchLimit is the default and maximum candidate count per
// search tool call.
const (
	routerSearchLimit    = 5
	routerSearchLimitMax = 10
)

// RouteRequest is one question to route, with its conversation context.
type RouteRequest struct {
	Question             string
	ReformulatedQuestion string
	History              []model.ChatMessage
}

// RouteResult is the router's decision and the evidence behind it.
type RouteResult struct {
	Mode model.RoutingMode

	// Candidates holds the last search's results. For EXACT_MATCH the
	// matched card is Candidates[0].
	Candidates []model.SearchCandidate

	// ReferencedIDs lists cards fetched through the details tool, in
	// call order.
	ReferencedIDs []uuid.UUID

	// Answer is the model's final text. In CONTEXTUAL mode it is the
	// synthesized response shown to the user.
	Answer string

	TokensUsed int
}

// routeState accumulates tool effects across one routing loop. The
// loop executes calls sequentially, so no locking.
type routeState struct {
	candidates     []model.SearchCandidate
	referenced     []uuid.UUID
	generateCalled bool
}

// Route decides how to answer a question: serve an existing card,
// synthesize from related cards, or start a new audit. The model works
// through the search and details tools under the loop budget; the mode
// falls out of which tools ran and what they found.
func (a *Agents) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	const name = model.AgentRouter
	var out RouteResult

	if strings.TrimSpace(req.Question) == "" {
		return out, badInput(name, "missing question")
	}
	if strings.TrimSpace(req.ReformulatedQuestion) == "" {
		return out, badInput(name, "missing reformulated_question")
	}

	// The prompt row is loaded here on every call. Skipping this load
	// would send a tool-less, instruction-less request that always
	// degrades to a novel claim.
	p, client, err := a.prompt(ctx, name)
	if err != nil {
		return out, err
	}

	state := &routeState{}
	outcome, err := client.CompleteWithTools(ctx, llm.Request{
		Model:        p.ModelName,
		System:       p.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: routerUserMessage(req)}},
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		MaxToolCalls: a.maxToolCalls,
	}, routerTools(), a.routeResolver(state))
	if err != nil {
		return out, fail(name, ErrLLM, err)
	}

	out.Mode = a.routeMode(outcome, state)
	out.Candidates = state.candidates
	out.ReferencedIDs = state.referenced
	out.Answer = outcome.Text
	out.TokensUsed = outcome.TokensUsed
	return out, nil
}

// routeMode derives the routing mode from the executed tools.
func (a *Agents) routeMode(outcome *llm.ToolOutcome, state *routeState) model.RoutingMode {
	if len(outcome.Executions) == 0 {
		return model.ModeContextual
	}
	if state.generateCalled {
		return model.ModeNovelClaim
	}
	if outcome.Executed(toolClaimDetails) {
		return model.ModeContextual
	}
	if len(outcome.Executions) == 1 && outcome.Executions[0].Call.Name == toolSearchClaims {
		if len(state.candidates) == 0 {
			return model.ModeNovelClaim
		}
		switch top := state.candidates[0].Similarity; {
		case top >= a.exactThreshold:
			return model.ModeExactMatch
		case top >= a.contextualThreshold:
			return model.ModeContextual
		default:
			return model.ModeNovelClaim
		}
	}
	return model.ModeContextual
}

// routeResolver executes the router's tools against the claim store.
// Results go back to the model as JSON; errors become failed tool
// results and leave the loop running.
func (a *Agents) routeResolver(state *routeState) llm.ToolResolver {
	return func(ctx context.Context, call llm.ToolCall) (string, error) {
		switch call.Name {
		case toolSearchClaims:
			return a.resolveSearch(ctx, call, state)
		case toolClaimDetails:
			return a.resolveDetails(ctx, call, state)
		case toolGenerateClaim:
			return resolveGenerate(call, state)
		default:
			return "", fmt.Errorf("unknown tool %q", call.Name)
		}
	}
}

func (a *Agents) resolveSearch(ctx context.Context, call llm.ToolCall, state *routeState) (string, error) {
	query := call.StringArg("query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := intArg(call.Input, "limit", routerSearchLimit)
	if limit <= 0 {
		limit = routerSearchLimit
	}
	if limit > routerSearchLimitMax {
		limit = routerSearchLimitMax
	}

	results, err := a.searcher.SearchClaims(ctx, query, limit)
	if err != nil {
		return "", err
	}
	candidates := make([]model.SearchCandidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, model.SearchCandidate{
			ClaimID:           r.Card.ID,
			ClaimText:         r.Card.ClaimText,
			ShortAnswer:       r.Card.ShortAnswer,
			Similarity:        r.Similarity,
			Verdict:           r.Card.Verdict,
			ClaimTypeCategory: r.Card.ClaimTypeCategory,
		})
	}
	state.candidates = candidates

	return toolJSON(map[string]any{
		"status":  "success",
		"results": candidates,
		"count":   len(candidates),
	}), nil
}

func (a *Agents) resolveDetails(ctx context.Context, call llm.ToolCall, state *routeState) (string, error) {
	idStr := call.StringArg("claim_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		return notFoundJSON(idStr), nil
	}
	card, err := a.searcher.GetClaimCard(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundJSON(idStr), nil
		}
		return "", err
	}

	state.referenced = appendUniqueID(state.referenced, id)

	return toolJSON(map[string]any{
		"status": "success",
		"claim": map[string]any{
			"claim_id":               card.ID.String(),
			"claim_text":             card.ClaimText,
			"claimant":               card.Claimant,
			"claim_type":             card.ClaimType,
			"claim_type_category":    card.ClaimTypeCategory,
			"verdict":                card.Verdict,
			"short_answer":           card.ShortAnswer,
			"deep_answer":            card.DeepAnswer,
			"confidence_level":       card.ConfidenceLevel,
			"confidence_explanation": card.ConfidenceExplanation,
			"why_persists":           card.WhyPersists,
			"created_at":             card.CreatedAt.Format(time.RFC3339),
		},
	}), nil
}

func resolveGenerate(call llm.ToolCall, state *routeState) (string, error) {
	claimText := call.StringArg("claim_text")
	if claimText == "" {
		return "", fmt.Errorf("claim_text is required")
	}
	state.generateCalled = true

	// The reservation is honored by the chat layer, which starts the
	// pipeline after the routing decision lands.
	return toolJSON(map[string]any{
		"status":      "reserved",
		"reservation": uuid.NewString(),
		"claim_text":  claimText,
	}), nil
}

func notFoundJSON(id string) string {
	return toolJSON(map[string]any{
		"status":  "not_found",
		"message": fmt.Sprintf("Claim with ID %s not found", id),
	})
}

func toolJSON(payload map[string]any) string {
	b, _ := json.Marshal(payload)
	return string(b)
}

// intArg reads an integer tool argument, tolerating the float64 that
// JSON numbers decode to.
func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func appendUniqueID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// routerUserMessage renders the question with up to the last five
// turns of conversation for context.
func routerUserMessage(req RouteRequest) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("=== Conversation History ===\n")
		hist := req.History
		if len(hist) > 5 {
			hist = hist[len(hist)-5:]
		}
		for _, m := range hist {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("=== Current Question ===\n")
	fmt.Fprintf(&b, "Original: %s\n", req.Question)
	fmt.Fprintf(&b, "Reformulated: %s\n", req.ReformulatedQuestion)
	b.WriteString("\nUse the tools available to route this question appropriately.")
	return b.String()
}

// routerTools describes the three routing tools.
func routerTools() []llm.Tool {
	return []llm.Tool{
		{
			Name: toolSearchClaims,
			Description: "Search for existing claim cards that might answer the user's question. " +
				"Returns a list of candidate cards with similarity scores. Use this FIRST " +
				"to check if existing content can answer the question.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query (use the reformulated question)",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of candidates to return. Default 5.",
						"default":     routerSearchLimit,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name: toolClaimDetails,
			Description: "Retrieve full details of a specific claim card by ID. Use this when you " +
				"need more context about a claim found via search, or to compare multiple " +
				"existing claims for a contextual response.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"claim_id": map[string]any{
						"type":        "string",
						"description": "UUID of the claim card to retrieve",
					},
				},
				"required": []string{"claim_id"},
			},
		},
		{
			Name: toolGenerateClaim,
			Description: "Reserve a full audit pipeline run for a genuinely new claim not answered " +
				"by existing cards. Be conservative: only use when no candidate covers the " +
				"same claim and claim type.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"claim_text": map[string]any{
						"type":        "string",
						"description": "The affirmative claim that needs a new audit",
					},
				},
				"required": []string{"claim_text"},
			},
		},
	}
}
