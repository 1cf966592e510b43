package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// TopicFinding is the topic finder's structured output: the claim to
// audit, framed as an affirmative statement, with its classification.
type TopicFinding struct {
	ClaimText         string                  `json:"claim_text"`
	Claimant          string                  `json:"claimant"`
	ClaimType         string                  `json:"claim_type"`
	ClaimTypeCategory model.ClaimTypeCategory `json:"claim_type_category"`
	WhyMatters        string                  `json:"why_matters"`
	CategoryTags      stringList              `json:"category_tags"`
}

// FindTopic identifies the affirmative claim behind a question: what is
// actually being asserted, by whom, and how it classifies for routing.
func (a *Agents) FindTopic(ctx context.Context, question string) (TopicFinding, error) {
	const name = model.AgentTopicFinder
	var out TopicFinding

	if strings.TrimSpace(question) == "" {
		return out, badInput(name, "missing question")
	}

	msg := fmt.Sprintf(`Question: %s

Identify the claim, claimant, type, category, why it matters, and relevant categories.
Output JSON only, no other text.
`, question)

	if err := a.ask(ctx, name, msg, &out); err != nil {
		return out, err
	}
	if strings.TrimSpace(out.ClaimText) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing claim_text"))
	}
	if strings.TrimSpace(out.Claimant) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing claimant"))
	}
	if strings.TrimSpace(out.ClaimType) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing claim_type"))
	}
	if strings.TrimSpace(out.WhyMatters) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing why_matters"))
	}

	// An unrecognized category degrades to unclassified rather than
	// failing the pipeline; the card stays valid either way.
	out.ClaimTypeCategory = model.ClaimTypeCategory(strings.ToLower(strings.TrimSpace(string(out.ClaimTypeCategory))))
	if !out.ClaimTypeCategory.Valid() {
		a.logger.Warn("unrecognized claim_type_category", "agent", name, "category", out.ClaimTypeCategory)
		out.ClaimTypeCategory = ""
	}
	return out, nil
}
