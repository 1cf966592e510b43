package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// composerDeepAnswerLimit caps how much of each deep answer goes into
// the composer's context window.
const composerDeepAnswerLimit = 500

// ArticleReference maps an inline citation number to the claim card
// that backs it. ClaimCardIndex is 1-based, in the order the cards
// were given to the composer.
type ArticleReference struct {
	Number         int    `json:"number"`
	ClaimCardIndex int    `json:"claim_card_index"`
	Description    string `json:"description"`
}

// Article is a synthesized long-form piece built from completed claim
// cards on one topic.
type Article struct {
	Title       string             `json:"title"`
	ArticleBody string             `json:"article_body"`
	References  []ArticleReference `json:"references"`
}

// Compose writes a narrative article from the audited claim cards of
// one topic. Cards arrive already verified; the composer only
// synthesizes, it never introduces claims of its own.
func (a *Agents) Compose(ctx context.Context, topic string, cards []model.ClaimCard) (Article, error) {
	const name = model.AgentBlogComposer
	var out Article

	if strings.TrimSpace(topic) == "" {
		return out, badInput(name, "missing topic")
	}
	if len(cards) == 0 {
		return out, badInput(name, "no claim cards to compose from")
	}

	msg := fmt.Sprintf("Topic: %s\n\nComponent Claim Cards:\n%s\n"+
		"\nGenerate a synthesized article (title + prose body) that tells a cohesive story about what the evidence reveals.\n"+
		"Output JSON only, no other text.\n",
		topic, formatCardsForComposer(cards))

	if err := a.ask(ctx, name, msg, &out); err != nil {
		return Article{}, err
	}

	if strings.TrimSpace(out.Title) == "" {
		return Article{}, fail(name, ErrParse, fmt.Errorf("missing title"))
	}
	if strings.TrimSpace(out.ArticleBody) == "" {
		return Article{}, fail(name, ErrParse, fmt.Errorf("missing article_body"))
	}
	switch words := len(strings.Fields(out.ArticleBody)); {
	case words < model.MinArticleWords-model.ArticleWordSlack:
		return Article{}, fail(name, ErrParse,
			fmt.Errorf("article too short: %d words (min %d)", words, model.MinArticleWords))
	case words > model.MaxArticleWords+model.ArticleWordSlack:
		return Article{}, fail(name, ErrParse,
			fmt.Errorf("article too long: %d words (max %d)", words, model.MaxArticleWords))
	}
	for i, ref := range out.References {
		if ref.ClaimCardIndex < 1 || ref.ClaimCardIndex > len(cards) {
			return Article{}, fail(name, ErrParse,
				fmt.Errorf("reference %d cites claim card %d (have %d cards)", i+1, ref.ClaimCardIndex, len(cards)))
		}
	}
	return out, nil
}

// formatCardsForComposer renders each card as a compact block the
// composer can cite by index.
func formatCardsForComposer(cards []model.ClaimCard) string {
	var b strings.Builder
	for i, card := range cards {
		var primary, scholarly int
		for _, src := range card.Sources {
			switch src.SourceType {
			case model.SourcePrimaryHistorical:
				primary++
			case model.SourceScholarly:
				scholarly++
			}
		}
		deep := card.DeepAnswer
		if truncated := truncate(deep, composerDeepAnswerLimit); truncated != deep {
			deep = truncated + "..."
		}
		fmt.Fprintf(&b, "Claim Card %d:\n", i+1)
		fmt.Fprintf(&b, "  Claim: %s\n", card.ClaimText)
		fmt.Fprintf(&b, "  Verdict: %s\n", card.Verdict)
		fmt.Fprintf(&b, "  Confidence: %s\n", card.ConfidenceLevel)
		fmt.Fprintf(&b, "  Short Answer: %s\n", card.ShortAnswer)
		fmt.Fprintf(&b, "  Deep Answer: %s\n", deep)
		fmt.Fprintf(&b, "  Sources: %d total (%d primary, %d scholarly)\n", len(card.Sources), primary, scholarly)
	}
	return b.String()
}
