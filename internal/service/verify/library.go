package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
)

// Tier 0: reuse from the verified-source library. A hit reuses the
// stored citation metadata and URL but never a previous quote; the
// quote is regenerated for the claim at hand, so a reused source
// always carries a verified paraphrase rather than an exact quote.

const (
	// relevanceModel screens library candidates with a YES/NO check,
	// pinned at temperature zero.
	relevanceModel     = "gpt-4o-mini"
	relevanceMaxTokens = 10

	quoteModel     = "gpt-4o-mini"
	quoteMaxTokens = 200
)

// fromLibrary checks the verified-source library before any external
// catalog. A hit needs a similarity match at the configured threshold
// plus an LLM confirmation that the stored source actually bears on
// this claim.
func (s *Service) fromLibrary(ctx context.Context, claimText, query string) (tierResult, bool) {
	vec, err := s.embed.Embed(ctx, claimText+" "+query)
	if err != nil {
		s.logger.Warn("library embed failed", "error", err)
		return tierResult{}, false
	}
	if embedding.IsZero(vec) {
		return tierResult{}, false
	}
	matches, err := s.store.SearchLibraryByEmbedding(ctx, vec, s.cfg.LibraryThreshold, librarySearchLimit)
	if err != nil {
		s.logger.Warn("library search failed", "error", err)
		return tierResult{}, false
	}
	if len(matches) == 0 {
		return tierResult{}, false
	}

	client, err := s.clients.For(model.ProviderOpenAI)
	if err != nil {
		s.logger.Debug("library reuse skipped: no openai client", "error", err)
		return tierResult{}, false
	}

	for _, m := range matches {
		relevant, err := s.confirmRelevance(ctx, client, claimText, query, m.Source)
		if err != nil {
			s.logger.Warn("library relevance check failed", "title", m.Source.Title, "error", err)
			continue
		}
		if !relevant {
			continue
		}
		if err := s.store.BumpSourceReuse(ctx, m.Source.ID); err != nil {
			s.logger.Warn("library reuse bump failed", "source_id", m.Source.ID, "error", err)
		}
		s.logger.Info("source reused from library",
			"title", m.Source.Title,
			"similarity", m.Similarity,
			"times_reused", m.Source.TimesReused+1)
		return tierResult{source: model.Source{
			Citation:           m.Source.CitationText(),
			URL:                m.Source.URL,
			QuoteText:          s.freshQuote(ctx, client, claimText, m.Source),
			VerificationMethod: model.MethodLibraryReuse,
			VerificationStatus: model.StatusPartiallyVerified,
			ContentType:        model.ContentVerifiedParaphrase,
		}}, true
	}
	return tierResult{}, false
}

// confirmRelevance asks the screening model whether a library source
// supports evaluating the claim. The prompt demands a bare YES or NO.
func (s *Service) confirmRelevance(ctx context.Context, client llm.Client, claimText, query string, src model.VerifiedSource) (bool, error) {
	msg := fmt.Sprintf(`Claim being fact-checked: %s

Search query: %s

Candidate source from the verified library:
Title: %s
Author: %s
Type: %s

Would this source be relevant evidence for evaluating the claim? Respond with ONLY "YES" or "NO".`,
		claimText, query, src.Title, src.Author, src.SourceType)
	resp, err := client.Complete(ctx, llm.Request{
		Model:       relevanceModel,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: msg}},
		Temperature: 0,
		MaxTokens:   relevanceMaxTokens,
	})
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(resp.Text), "YES"), nil
}

// freshQuote asks for a short paraphrase of what the reused source
// establishes about this claim. Quotes are never carried over between
// audits; a generation failure just yields an empty quote.
func (s *Service) freshQuote(ctx context.Context, client llm.Client, claimText string, src model.VerifiedSource) string {
	msg := fmt.Sprintf(`Source: %s

Claim under audit: %s

In one or two sentences, state what this source establishes that is relevant to the claim. Do not invent a verbatim quotation; write a faithful summary attributed to the source.`,
		src.CitationText(), claimText)
	resp, err := client.Complete(ctx, llm.Request{
		Model:       quoteModel,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: msg}},
		Temperature: 0.2,
		MaxTokens:   quoteMaxTokens,
	})
	if err != nil {
		s.logger.Warn("fresh quote generation failed", "title", src.Title, "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Text)
}
