package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
)

// Bounds on the source plan. Each citation class is capped so the total
// stays within the 3-8 band the card contract asks for; a plan below
// the floor is rejected outright, since one or two sources cannot carry
// a verdict.
const (
	maxSourcesPerKind = 4
	minSourceQueries  = 3
)

// fallbackEvidenceSummary stands in when the summarization call fails;
// the sources themselves are already verified at that point.
const fallbackEvidenceSummary = "Unable to generate evidence summary."

// SourceReport is the source checker's output: verified citations for
// the claim plus a short reading of what they show together.
type SourceReport struct {
	Sources         []model.Source
	EvidenceSummary string
}

// Primary returns the primary-historical subset of the report.
func (r *SourceReport) Primary() []model.Source {
	return r.byKind(model.SourcePrimaryHistorical)
}

// Scholarly returns the peer-reviewed subset of the report.
func (r *SourceReport) Scholarly() []model.Source {
	return r.byKind(model.SourceScholarly)
}

func (r *SourceReport) byKind(kind model.SourceKind) []model.Source {
	var out []model.Source
	for _, s := range r.Sources {
		if s.SourceType == kind {
			out = append(out, s)
		}
	}
	return out
}

// sourceQuery is one source the model wants verified.
type sourceQuery struct {
	SearchQuery  string `json:"search_query"`
	UsageContext string `json:"usage_context"`
}

// sourceQueryPlan is the model's answer to "which sources does this
// claim need".
type sourceQueryPlan struct {
	Primary   []sourceQuery `json:"primary_source_queries"`
	Scholarly []sourceQuery `json:"scholarly_source_queries"`
}

// CheckSources collects and verifies sources for a claim in two steps:
// the model proposes search queries, then each query runs through the
// verification tiers. Citations come out with verification metadata
// attached and URLs only where a tier confirmed them.
func (a *Agents) CheckSources(ctx context.Context, finding TopicFinding) (SourceReport, error) {
	const name = model.AgentSourceChecker
	var out SourceReport

	if strings.TrimSpace(finding.ClaimText) == "" {
		return out, badInput(name, "missing claim_text")
	}

	p, client, err := a.prompt(ctx, name)
	if err != nil {
		return out, err
	}

	plan := a.identifyQueries(ctx, client, p, finding)
	if len(plan.Primary) > maxSourcesPerKind {
		plan.Primary = plan.Primary[:maxSourcesPerKind]
	}
	if len(plan.Scholarly) > maxSourcesPerKind {
		plan.Scholarly = plan.Scholarly[:maxSourcesPerKind]
	}

	// An empty plan is the identification-failure degradation handled
	// above; a thin non-empty plan means the model ignored the source
	// band and gets rejected before any verification spend.
	if total := len(plan.Primary) + len(plan.Scholarly); total > 0 && total < minSourceQueries {
		return out, fail(name, ErrParse,
			fmt.Errorf("source plan has %d queries, need at least %d", total, minSourceQueries))
	}

	for _, q := range plan.Primary {
		src, err := a.verifySource(ctx, finding.ClaimText, q, model.SourcePrimaryHistorical)
		if err != nil {
			return out, fail(name, ErrLLM, err)
		}
		out.Sources = append(out.Sources, src)
	}
	for _, q := range plan.Scholarly {
		src, err := a.verifySource(ctx, finding.ClaimText, q, model.SourceScholarly)
		if err != nil {
			return out, fail(name, ErrLLM, err)
		}
		out.Sources = append(out.Sources, src)
	}

	out.EvidenceSummary = a.summarizeEvidence(ctx, client, p, finding.ClaimText, &out)
	return out, nil
}

func (a *Agents) verifySource(ctx context.Context, claimText string, q sourceQuery, kind model.SourceKind) (model.Source, error) {
	src, err := a.verifier.VerifySource(ctx, claimText, q.SearchQuery, kind)
	if err != nil {
		return model.Source{}, err
	}
	src.SourceType = kind
	src.UsageContext = q.UsageContext
	return src, nil
}

// identifyQueries asks the model which sources the claim needs. A
// failed call or unparseable reply degrades to an empty plan rather
// than failing the stage.
func (a *Agents) identifyQueries(ctx context.Context, client llm.Client, p model.AgentPrompt, finding TopicFinding) sourceQueryPlan {
	msg := fmt.Sprintf(`Identify sources needed to evaluate this claim:

Claim: %s
Claimant: %s
Claim Type: %s

For each source, provide a search query that could be used to find it.

Respond with valid JSON:
{
  "primary_source_queries": [
    {
      "search_query": "Title Author keywords",
      "usage_context": "How this source is used"
    }
  ],
  "scholarly_source_queries": [
    {
      "search_query": "Title Author keywords",
      "usage_context": "How this source supports analysis"
    }
  ]
}

Guidelines:
- Primary sources: Original texts, manuscripts, historical documents
- Scholarly sources: Peer-reviewed academic work, not apologetics
- Search queries should be specific (e.g., "Gospel of John Greek manuscripts" or "Bart Ehrman Misquoting Jesus")
- Provide 2-4 primary sources and 2-4 scholarly sources
`, finding.ClaimText, finding.Claimant, finding.ClaimType)

	var plan sourceQueryPlan
	resp, err := complete(ctx, client, p, msg)
	if err != nil {
		a.logger.Warn("source query identification failed", "error", err)
		return plan
	}
	if err := llm.ExtractInto(resp.Text, &plan); err != nil {
		a.logger.Warn("source query plan did not parse", "error", err)
		return sourceQueryPlan{}
	}
	return plan
}

// summarizeEvidence asks the model what the verified sources show. A
// failure degrades to a fixed notice; the writer still has the sources.
func (a *Agents) summarizeEvidence(ctx context.Context, client llm.Client, p model.AgentPrompt, claimText string, report *SourceReport) string {
	var b strings.Builder
	b.WriteString("Primary sources:\n")
	writeSourceLines(&b, report.Primary())
	b.WriteString("\nScholarly sources:\n")
	writeSourceLines(&b, report.Scholarly())

	msg := fmt.Sprintf(`Based on these sources, provide a brief summary (2-3 sentences) of what the evidence shows about this claim:

Claim: %s

%s
Summary:`, claimText, b.String())

	resp, err := complete(ctx, client, p, msg)
	if err != nil {
		a.logger.Warn("evidence summary generation failed", "error", err)
		return fallbackEvidenceSummary
	}
	return strings.TrimSpace(resp.Text)
}

func writeSourceLines(b *strings.Builder, sources []model.Source) {
	for _, s := range sources {
		quote := "N/A"
		if s.QuoteText != "" {
			quote = truncate(s.QuoteText, 200)
		}
		fmt.Fprintf(b, "- %s: %s\n", s.Citation, quote)
	}
}
