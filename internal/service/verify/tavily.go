package verify

import (
	"context"
	"fmt"

	"github.com/thereceipts/receipts/internal/model"
)

// Tier 4: Tavily web search, the last tier that can still verify
// anything. A result is accepted only when it names its page and the
// URL answers a HEAD probe. Nothing from this tier enters the library.

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

// fromWeb searches the open web for the single best match.
func (s *Service) fromWeb(ctx context.Context, query string) (tierResult, bool) {
	if s.cfg.TavilyAPIKey == "" {
		s.logger.Debug("web search skipped: no tavily key")
		return tierResult{}, false
	}
	var out tavilyResponse
	err := s.postJSON(ctx, s.cfg.TavilyBaseURL+"/search", tavilyRequest{
		APIKey:     s.cfg.TavilyAPIKey,
		Query:      query,
		MaxResults: 1,
	}, &out)
	if err != nil {
		s.logger.Warn("tavily search failed", "query", query, "error", err)
		return tierResult{}, false
	}
	if len(out.Results) == 0 {
		return tierResult{}, false
	}
	r := out.Results[0]
	if r.Title == "" || r.URL == "" {
		return tierResult{}, false
	}
	if !s.urlReachable(ctx, r.URL) {
		s.logger.Warn("tavily result url unreachable", "url", r.URL)
		return tierResult{}, false
	}

	return tierResult{source: model.Source{
		Citation:           fmt.Sprintf("%s (%s)", r.Title, r.URL),
		URL:                r.URL,
		URLVerified:        true,
		QuoteText:          clip(collapseSpace(r.Content), maxQuoteLen),
		VerificationMethod: model.MethodTavily,
		VerificationStatus: model.StatusPartiallyVerified,
		ContentType:        model.ContentVerifiedParaphrase,
	}}, true
}
