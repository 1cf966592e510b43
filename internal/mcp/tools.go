package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/thereceipts/receipts/internal/model"
)

func (s *Server) registerTools() {
	// receipts_search_claims — semantic search over audited claims.
	s.mcpServer.AddTool(
		mcplib.NewTool("receipts_search_claims",
			mcplib.WithDescription(`Search the audited claim library by semantic similarity.

WHEN TO USE: BEFORE researching an apologetics claim yourself. If an
audit already exists you get a verdict backed by verified sources
instead of re-deriving the answer.

Results are summaries ordered by similarity. Use receipts_get_claim
with a result's id for the full card: deep answer, sources with
quotes, confidence, and the agent audit trail.

EXAMPLE QUERIES:
- "Did Luke use Mark as a source?"
- "Noah's flood geology evidence"
- "New Testament manuscript reliability"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of the claim you are looking for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(25),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithNumber("min_similarity",
				mcplib.Description("Minimum cosine similarity for results (0.0-1.0). 0.8+ means topically the same claim."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleSearchClaims,
	)

	// receipts_get_claim — full claim card by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("receipts_get_claim",
			mcplib.WithDescription(`Fetch one audited claim card in full.

Returns the claim text, verdict (True, Misleading, False, Unfalsifiable,
Depends on Definitions), short and deep answers, why the claim persists,
confidence, every source with its verification status, and the per-agent
audit trail. Get ids from receipts_search_claims or receipts_list_audits.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("claim_id",
				mcplib.Description("UUID of the claim card"),
				mcplib.Required(),
			),
		),
		s.handleGetClaim,
	)

	// receipts_list_audits — browse recent audits.
	s.mcpServer.AddTool(
		mcplib.NewTool("receipts_list_audits",
			mcplib.WithDescription(`Browse recently audited claims, newest first.

WHEN TO USE: To get an overview of what has been audited, or to browse
one topical category. For finding a specific claim, prefer
receipts_search_claims.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("category",
				mcplib.Description("Optional category filter, e.g. Genesis, Canon, Historical Claims"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListAudits,
	)
}

// claimSummary is the compact search/list result shape: enough for the
// calling model to decide whether to fetch the full card.
type claimSummary struct {
	ID                uuid.UUID               `json:"id"`
	ClaimText         string                  `json:"claim_text"`
	Verdict           model.Verdict           `json:"verdict"`
	ShortAnswer       string                  `json:"short_answer"`
	ClaimTypeCategory model.ClaimTypeCategory `json:"claim_type_category,omitempty"`
	Similarity        float64                 `json:"similarity,omitempty"`
}

func summarize(card model.ClaimCard, similarity float64) claimSummary {
	return claimSummary{
		ID:                card.ID,
		ClaimText:         card.ClaimText,
		Verdict:           card.Verdict,
		ShortAnswer:       card.ShortAnswer,
		ClaimTypeCategory: card.ClaimTypeCategory,
		Similarity:        similarity,
	}
}

func (s *Server) handleSearchClaims(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)
	minSim := request.GetFloat("min_similarity", 0)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Error("mcp search embed failed", "error", err)
		return errorResult(fmt.Sprintf("embedding failed: %v", err)), nil
	}

	results, err := s.db.SearchClaimsByEmbedding(ctx, vec, minSim, limit)
	if err != nil {
		s.logger.Error("mcp claim search failed", "error", err)
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	summaries := make([]claimSummary, 0, len(results))
	for _, r := range results {
		if !r.Card.VisibleInAudits {
			continue
		}
		summaries = append(summaries, summarize(r.Card, r.Similarity))
	}

	return jsonResult(map[string]any{
		"query":   query,
		"results": summaries,
	}), nil
}

func (s *Server) handleGetClaim(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("claim_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("claim_id must be a UUID (got %q)", raw)), nil
	}

	card, err := s.db.GetClaimCard(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("claim %s not found", id)), nil
	}
	// Hidden cards stay hidden here too, matching the HTTP surface.
	if !card.VisibleInAudits {
		return errorResult(fmt.Sprintf("claim %s not found", id)), nil
	}

	return jsonResult(card), nil
}

func (s *Server) handleListAudits(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	category := request.GetString("category", "")
	limit := request.GetInt("limit", 10)

	cards, total, err := s.db.ListClaimCards(ctx, category, limit, 0)
	if err != nil {
		s.logger.Error("mcp list audits failed", "error", err)
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	summaries := make([]claimSummary, 0, len(cards))
	for _, card := range cards {
		summaries = append(summaries, summarize(card, 0))
	}

	return jsonResult(map[string]any{
		"total":    total,
		"category": category,
		"results":  summaries,
	}), nil
}
