package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// PublishReport is the publisher's output: the transparency record for
// the card's audit trail plus its browse categories.
type PublishReport struct {
	AuditSummary    string     `json:"audit_summary"`
	Limitations     stringList `json:"limitations"`
	ChangeVerdictIf string     `json:"change_verdict_if"`
	CategoryTags    stringList `json:"category_tags"`
}

// pipelineSummary is the condensed run handed to the publisher.
type pipelineSummary struct {
	Claim                 string   `json:"claim"`
	ClaimType             string   `json:"claim_type"`
	Claimant              string   `json:"claimant"`
	Verdict               string   `json:"verdict"`
	ConfidenceLevel       string   `json:"confidence_level"`
	PrimarySourcesCount   int      `json:"primary_sources_count"`
	ScholarlySourcesCount int      `json:"scholarly_sources_count"`
	ApologeticsTechniques []string `json:"apologetics_techniques"`
}

// Publish writes the audit transparency record: what the run checked,
// what it did not, and what evidence would change the verdict.
func (a *Agents) Publish(ctx context.Context, finding TopicFinding, report SourceReport, adv AdversarialReport, draft Draft) (PublishReport, error) {
	const name = model.AgentPublisher
	var out PublishReport

	if strings.TrimSpace(finding.ClaimText) == "" {
		return out, badInput(name, "missing claim_text")
	}

	summaryJSON, _ := json.MarshalIndent(pipelineSummary{
		Claim:                 finding.ClaimText,
		ClaimType:             finding.ClaimType,
		Claimant:              finding.Claimant,
		Verdict:               string(adv.Verdict),
		ConfidenceLevel:       string(draft.ConfidenceLevel),
		PrimarySourcesCount:   len(report.Primary()),
		ScholarlySourcesCount: len(report.Scholarly()),
		ApologeticsTechniques: adv.ApologeticsTechniques,
	}, "", "  ")

	msg := fmt.Sprintf(`Create the audit summary and category tags for this claim analysis:

Pipeline Summary:
%s

Please respond with a JSON object containing:
{
  "audit_summary": "Summary of what the 5-agent pipeline checked (2-3 sentences)",
  "limitations": "What was NOT checked or known gaps in analysis (2-3 bullet points as list)",
  "change_verdict_if": "What new evidence would change the verdict (1-2 sentences)",
  "category_tags": ["List of relevant category names for UI navigation"]
}

Category options (select 1-3 most relevant):
- Genesis (creation, flood, early biblical history)
- Canon (biblical authorship, compilation, manuscript history)
- Doctrine (theology, church teachings, dogma)
- Ethics (morality, biblical commands, social issues)
- Institutions (church history, denominations, religious organizations)
- Historical Claims (non-biblical historical assertions)
- Scientific Claims (cosmology, biology, archaeology)
- Translation Issues (biblical translation debates)
`, summaryJSON)

	if err := a.ask(ctx, name, msg, &out); err != nil {
		return out, err
	}

	if strings.TrimSpace(out.AuditSummary) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing audit_summary"))
	}
	if out.Limitations == nil {
		return out, fail(name, ErrParse, fmt.Errorf("missing limitations"))
	}
	if strings.TrimSpace(out.ChangeVerdictIf) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing change_verdict_if"))
	}
	if out.CategoryTags == nil {
		return out, fail(name, ErrParse, fmt.Errorf("missing category_tags"))
	}
	return out, nil
}

// ValidateCard is the publisher's final gate on the assembled card.
// Beyond the store's own validation it requires the editorial fields:
// a named claimant, a deep answer, at least two persistence reasons,
// and a confidence explanation. A failure aborts publication.
func ValidateCard(card *model.ClaimCard) error {
	if err := card.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(card.Claimant) == "" {
		return fmt.Errorf("claimant is required")
	}
	if strings.TrimSpace(card.DeepAnswer) == "" {
		return fmt.Errorf("deep_answer is required")
	}
	if len(card.WhyPersists) < 2 {
		return fmt.Errorf("why_persists needs at least 2 reasons (got %d)", len(card.WhyPersists))
	}
	if strings.TrimSpace(card.ConfidenceExplanation) == "" {
		return fmt.Errorf("confidence_explanation is required")
	}
	return verdictMatchesProse(card)
}

// verdictMatchesProse rejects cards whose short answer contradicts the
// verdict. The check is a phrase heuristic: prose that calls the claim
// false must carry a False or Misleading verdict, and an opening
// affirmative must carry True.
func verdictMatchesProse(card *model.ClaimCard) error {
	prose := strings.ToLower(card.ShortAnswer)

	denies := strings.Contains(prose, "claim is false") ||
		strings.Contains(prose, "claim is not true") ||
		strings.Contains(prose, "this is false")
	if denies && card.Verdict != model.VerdictFalse && card.Verdict != model.VerdictMisleading {
		return fmt.Errorf("short_answer calls the claim false but verdict is %q", card.Verdict)
	}

	affirms := strings.HasPrefix(prose, "yes,") ||
		strings.HasPrefix(prose, "yes.") ||
		strings.Contains(prose, "claim is true")
	if affirms && card.Verdict != model.VerdictTrue {
		return fmt.Errorf("short_answer affirms the claim but verdict is %q", card.Verdict)
	}
	return nil
}
