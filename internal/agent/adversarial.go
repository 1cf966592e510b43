package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// AdversarialReport is the adversarial checker's output: the
// preliminary verdict on the claim plus the challenge notes that
// shaped it. The verdict is about the claim, not about the evidence.
type AdversarialReport struct {
	Verdict               model.Verdict         `json:"verdict"`
	ConfidenceLevel       model.ConfidenceLevel `json:"confidence_level"`
	ConfidenceExplanation string                `json:"confidence_explanation"`
	ApologeticsTechniques []string              `json:"apologetics_techniques"`
	Counterevidence       string                `json:"counterevidence"`
	VerificationNotes     string                `json:"verification_notes"`

	// ReverificationNotes lists discrepancies found when re-checking
	// the collected sources. Annotations only; a discrepancy never
	// fails the stage.
	ReverificationNotes []string `json:"reverification_notes,omitempty"`
}

// sourceView is the slice of source fields shown to the model.
type sourceView struct {
	Citation           string                   `json:"citation"`
	URL                string                   `json:"url"`
	QuoteText          string                   `json:"quote_text"`
	UsageContext       string                   `json:"usage_context"`
	VerificationMethod model.VerificationMethod `json:"verification_method"`
	VerificationStatus model.VerificationStatus `json:"verification_status"`
	ContentType        model.ContentType        `json:"content_type"`
	URLVerified        bool                     `json:"url_verified"`
}

// Challenge attempts to falsify the analysis so far. Every collected
// source is re-verified first (quote still present, URL still
// reachable); discrepancies are handed to the model and returned as
// audit annotations. The model then rules on the claim itself.
func (a *Agents) Challenge(ctx context.Context, finding TopicFinding, report SourceReport) (AdversarialReport, error) {
	const name = model.AgentAdversarialChecker
	var out AdversarialReport

	if strings.TrimSpace(finding.ClaimText) == "" {
		return out, badInput(name, "missing claim_text")
	}

	notes, err := a.reverifySources(ctx, report.Sources)
	if err != nil {
		return out, fail(name, ErrLLM, err)
	}

	if err := a.ask(ctx, name, adversarialMessage(finding.ClaimText, report, notes), &out); err != nil {
		return out, err
	}

	if !out.Verdict.Valid() {
		return out, fail(name, ErrParse, fmt.Errorf("invalid verdict %q", out.Verdict))
	}
	if !out.ConfidenceLevel.Valid() {
		return out, fail(name, ErrParse, fmt.Errorf("invalid confidence_level %q", out.ConfidenceLevel))
	}
	if strings.TrimSpace(out.ConfidenceExplanation) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing confidence_explanation"))
	}
	if out.ApologeticsTechniques == nil {
		return out, fail(name, ErrParse, fmt.Errorf("missing apologetics_techniques"))
	}
	if strings.TrimSpace(out.Counterevidence) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing counterevidence"))
	}
	if strings.TrimSpace(out.VerificationNotes) == "" {
		return out, fail(name, ErrParse, fmt.Errorf("missing verification_notes"))
	}

	out.ReverificationNotes = notes
	return out, nil
}

// reverifySources re-checks each source through the verification
// service and collects discrepancy notes. Only context cancellation
// aborts; individual recheck failures become notes.
func (a *Agents) reverifySources(ctx context.Context, sources []model.Source) ([]string, error) {
	var notes []string
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := a.verifier.Reverify(ctx, src)
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s: reverification failed: %v", src.Citation, err))
			continue
		}
		if rc.Note != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", src.Citation, rc.Note))
		}
	}
	return notes, nil
}

func adversarialMessage(claimText string, report SourceReport, notes []string) string {
	primary, _ := json.MarshalIndent(sourceViews(report.Primary()), "", "  ")
	scholarly, _ := json.MarshalIndent(sourceViews(report.Scholarly()), "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `Attempt to falsify this analysis:

Claim: %s
Evidence Summary: %s

Primary Sources: %s
Scholarly Sources: %s
`, claimText, report.EvidenceSummary, primary, scholarly)

	if len(notes) > 0 {
		b.WriteString("\nSource reverification found discrepancies:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}

	b.WriteString(`
Please respond with a JSON object containing:
{
  "verdict": "One of: True, Misleading, False, Unfalsifiable, Depends on Definitions",
  "confidence_level": "High, Medium, or Low",
  "confidence_explanation": "Why this confidence level (2-3 sentences)",
  "apologetics_techniques": ["List of techniques used, if any"],
  "counterevidence": "Any counterevidence found (or 'None identified')",
  "verification_notes": "Notes on quote verification and source accuracy"
}

Verdict categories:
- True: Claim is factually accurate
- Misleading: Contains truth but misrepresents context
- False: Claim is factually incorrect
- Unfalsifiable: Cannot be tested empirically
- Depends on Definitions: Depends on how terms are defined
`)
	return b.String()
}

func sourceViews(sources []model.Source) []sourceView {
	views := make([]sourceView, 0, len(sources))
	for _, s := range sources {
		views = append(views, sourceView{
			Citation:           s.Citation,
			URL:                s.URL,
			QuoteText:          s.QuoteText,
			UsageContext:       s.UsageContext,
			VerificationMethod: s.VerificationMethod,
			VerificationStatus: s.VerificationStatus,
			ContentType:        s.ContentType,
			URLVerified:        s.URLVerified,
		})
	}
	return views
}
