package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// receipts://audits/recent — the latest audited claims.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"receipts://audits/recent",
			"Recent Audits",
			mcplib.WithResourceDescription("The most recently audited claims with their verdicts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentAudits,
	)

	// receipts://metrics — aggregate store counts.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"receipts://metrics",
			"Store Metrics",
			mcplib.WithResourceDescription("Aggregate counts: audited claims, verdicts, sources, published posts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMetrics,
	)

	// receipts://audits/category/{name} — audits in one topical category.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"receipts://audits/category/{name}",
			"Audits by Category",
			mcplib.WithTemplateDescription("Audited claims within one topical category"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCategoryAudits,
	)
}

func (s *Server) handleRecentAudits(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cards, _, err := s.db.ListClaimCards(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent audits: %w", err)
	}

	summaries := make([]claimSummary, 0, len(cards))
	for _, card := range cards {
		summaries = append(summaries, summarize(card, 0))
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal audits: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "receipts://audits/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMetrics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims, err := s.db.CountClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: count claims: %w", err)
	}
	verdicts, err := s.db.VerdictCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: verdict counts: %w", err)
	}
	totalSources, verifiedSources, err := s.db.CountSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: count sources: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"total_claims":     claims,
		"verdict_counts":   verdicts,
		"total_sources":    totalSources,
		"verified_sources": verifiedSources,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal metrics: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "receipts://metrics",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCategoryAudits(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	name := strings.TrimPrefix(uri, "receipts://audits/category/")
	if name == "" || name == uri {
		return nil, fmt.Errorf("mcp: invalid category URI: %s", uri)
	}

	cards, _, err := s.db.ListClaimCards(ctx, name, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: category audits: %w", err)
	}

	summaries := make([]claimSummary, 0, len(cards))
	for _, card := range cards {
		summaries = append(summaries, summarize(card, 0))
	}

	data, err := json.MarshalIndent(map[string]any{
		"category": name,
		"results":  summaries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal category audits: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
