package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// Draft is the writer's output: the prose that goes on the card.
type Draft struct {
	ShortAnswer           string                `json:"short_answer"`
	DeepAnswer            string                `json:"deep_answer"`
	WhyPersists           stringList            `json:"why_persists"`
	ConfidenceLevel       model.ConfidenceLevel `json:"confidence_level"`
	ConfidenceExplanation string                `json:"confidence_explanation"`
}

// writerContext is the prior analysis handed to the writer, rendered
// as indented JSON in the user message.
type writerContext struct {
	Claim                 string   `json:"claim"`
	Claimant              string   `json:"claimant"`
	Verdict               string   `json:"verdict"`
	ConfidenceLevel       string   `json:"confidence_level"`
	EvidenceSummary       string   `json:"evidence_summary"`
	ConfidenceExplanation string   `json:"confidence_explanation"`
	Counterevidence       string   `json:"counterevidence"`
	ReverificationNotes   []string `json:"reverification_notes,omitempty"`
}

// Write produces the final card prose from the claim, the evidence and
// the preliminary verdict. The short answer is capped at 150 words with
// a small buffer before the stage rejects the draft.
func (a *Agents) Write(ctx context.Context, finding TopicFinding, report SourceReport, adv AdversarialReport) (Draft, error) {
	const name = model.AgentWriter
	var out Draft

	if strings.TrimSpace(finding.ClaimText) == "" {
		return out, badInput(name, "missing claim_text")
	}
	if !adv.Verdict.Valid() {
		return out, badInput(name, "missing verdict")
	}

	contextJSON, _ := json.MarshalIndent(writerContext{
		Claim:                 finding.ClaimText,
		Claimant:              finding.Claimant,
		Verdict:               string(adv.Verdict),
		ConfidenceLevel:       string(adv.ConfidenceLevel),
		EvidenceSummary:       report.EvidenceSummary,
		ConfidenceExplanation: adv.ConfidenceExplanation,
		Counterevidence:       adv.Counterevidence,
		ReverificationNotes:   adv.ReverificationNotes,
	}, "", "  ")

	msg := fmt.Sprintf(`Write the final prose for this claim analysis:

Context:
%s

Please respond with a JSON object containing:
{
  "short_answer": "Plain-language summary in ≤150 words. Must be accessible to non-academics.",
  "deep_answer": "Full detailed analysis with evidence review. 3-5 paragraphs. Calm, direct, forensic tone.",
  "why_persists": [
    "Psychological reason this claim persists",
    "Social reason this claim persists",
    "Institutional reason this claim persists"
  ],
  "confidence_level": "High, Medium, or Low",
  "confidence_explanation": "Why this confidence level is appropriate"
}

Writing guidelines:
- Calm, direct, forensic tone
- No mocking or rhetorical preaching
- Accessible to non-academics
- No assumption of prior biblical/theological knowledge
- Focus on evidence, not persuasion
`, contextJSON)

	if err := a.ask(ctx, name, msg, &out); err != nil {
		return out, err
	}

	if strings.TrimSpace(out.ShortAnswer) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing short_answer"))
	}
	if strings.TrimSpace(out.DeepAnswer) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing deep_answer"))
	}
	if out.WhyPersists == nil {
		return out, fail(name, ErrParse, fmt.Errorf("missing why_persists"))
	}
	if !out.ConfidenceLevel.Valid() {
		return out, fail(name, ErrParse, fmt.Errorf("invalid confidence_level %q", out.ConfidenceLevel))
	}
	if strings.TrimSpace(out.ConfidenceExplanation) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing confidence_explanation"))
	}
	if n := len(strings.Fields(out.ShortAnswer)); n > model.MaxShortAnswerWords+model.ShortAnswerSlack {
		return out, fail(name, ErrParse, fmt.Errorf("short_answer too long: %d words (max %d)", n, model.MaxShortAnswerWords))
	}
	return out, nil
}
