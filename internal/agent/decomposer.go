package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// Bounds on how many component claims a topic may decompose into. The
// count scales with topic complexity, but outside this range the
// decomposition is either trivial or unaffordable to audit.
const (
	MinComponentClaims = 3
	MaxComponentClaims = 12
)

// Decomposition is a topic broken into independently auditable claims.
type Decomposition struct {
	ComponentClaims []string `json:"component_claims"`
	Reasoning       string   `json:"reasoning"`
}

// Decompose splits a broad topic into component factual claims, each
// of which runs through the audit pipeline on its own. extra carries
// optional steering text, typically admin feedback on a rejected run.
func (a *Agents) Decompose(ctx context.Context, topic, extra string) (Decomposition, error) {
	const name = model.AgentDecomposer
	var out Decomposition

	if strings.TrimSpace(topic) == "" {
		return out, badInput(name, "missing topic")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if strings.TrimSpace(extra) != "" {
		fmt.Fprintf(&b, "Additional context: %s\n", extra)
	}
	b.WriteString("\nIdentify distinct factual claims within this topic that can be independently fact-checked.\n")
	b.WriteString("Output JSON only, no other text.\n")

	if err := a.ask(ctx, name, b.String(), &out); err != nil {
		return Decomposition{}, err
	}

	if out.ComponentClaims == nil {
		return Decomposition{}, fail(name, ErrParse, fmt.Errorf("missing component_claims"))
	}
	if n := len(out.ComponentClaims); n < MinComponentClaims || n > MaxComponentClaims {
		return Decomposition{}, fail(name, ErrParse,
			fmt.Errorf("produced %d claims (expected %d-%d based on topic complexity)",
				n, MinComponentClaims, MaxComponentClaims))
	}
	for i, claim := range out.ComponentClaims {
		if strings.TrimSpace(claim) == "" {
			return Decomposition{}, fail(name, ErrParse, fmt.Errorf("component claim %d is empty", i+1))
		}
	}
	return out, nil
}
