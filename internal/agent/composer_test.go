package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/model"
)

// articleReply scripts a composer response with a body of exactly n words.
func articleReply(t *testing.T, n int, refs ...ArticleReference) string {
	t.Helper()
	raw, err := json.Marshal(Article{
		Title:       "What the Evidence Says About the Exodus",
		ArticleBody: strings.TrimSpace(strings.Repeat("word ", n)),
		References:  refs,
	})
	require.NoError(t, err)
	return string(raw)
}

func composerCards() []model.ClaimCard {
	first := *validCard()
	second := *validCard()
	second.ClaimText = "Archaeology shows no trace of a two-million-person migration"
	second.Verdict = model.VerdictMisleading
	second.DeepAnswer = strings.Repeat("x", 600)
	second.Sources = append(second.Sources, model.Source{
		Citation:           "Merneptah Stele, 13th century BCE",
		SourceType:         model.SourcePrimaryHistorical,
		VerificationMethod: model.MethodPerseus,
		VerificationStatus: model.StatusVerified,
	})
	return []model.ClaimCard{first, second}
}

func TestCompose(t *testing.T) {
	client := reply(articleReply(t, 700, ArticleReference{Number: 1, ClaimCardIndex: 2, Description: "Migration evidence"}))
	a := newTestAgents(client, &fakeVerifier{}, &fakeSearcher{})

	article, err := a.Compose(context.Background(), "The Exodus", composerCards())
	require.NoError(t, err)
	assert.Equal(t, "What the Evidence Says About the Exodus", article.Title)
	assert.Equal(t, 700, len(strings.Fields(article.ArticleBody)))
	require.Len(t, article.References, 1)
	assert.Equal(t, 2, article.References[0].ClaimCardIndex)

	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, "Topic: The Exodus")
	assert.Contains(t, msg, "Claim Card 1:")
	assert.Contains(t, msg, "Claim Card 2:")
	assert.Contains(t, msg, "Verdict: Misleading")
	assert.Contains(t, msg, "Sources: 2 total (1 primary, 1 scholarly)")
}

func TestComposeTruncatesLongDeepAnswers(t *testing.T) {
	client := reply(articleReply(t, 700))
	a := newTestAgents(client, &fakeVerifier{}, &fakeSearcher{})

	_, err := a.Compose(context.Background(), "The Exodus", composerCards())
	require.NoError(t, err)

	// The second card's 600-rune deep answer is cut to 500 plus an
	// ellipsis marker.
	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, strings.Repeat("x", composerDeepAnswerLimit)+"...")
	assert.NotContains(t, msg, strings.Repeat("x", composerDeepAnswerLimit+1))
}

func TestComposeValidatesInput(t *testing.T) {
	a := newTestAgents(reply(), &fakeVerifier{}, &fakeSearcher{})

	_, err := a.Compose(context.Background(), " ", composerCards())
	require.ErrorIs(t, err, ErrBadInput)

	_, err = a.Compose(context.Background(), "topic", nil)
	require.ErrorIs(t, err, ErrBadInput)
	assert.Contains(t, err.Error(), "no claim cards")
}

func TestComposeWordBounds(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  string
	}{
		{"too short", model.MinArticleWords - model.ArticleWordSlack - 1, "article too short"},
		{"too long", model.MaxArticleWords + model.ArticleWordSlack + 1, "article too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgents(reply(articleReply(t, tt.words)), &fakeVerifier{}, &fakeSearcher{})
			_, err := a.Compose(context.Background(), "topic", composerCards())
			require.ErrorIs(t, err, ErrParse)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	for _, words := range []int{model.MinArticleWords - model.ArticleWordSlack, model.MaxArticleWords + model.ArticleWordSlack} {
		a := newTestAgents(reply(articleReply(t, words)), &fakeVerifier{}, &fakeSearcher{})
		_, err := a.Compose(context.Background(), "topic", composerCards())
		require.NoError(t, err, "%d words should pass", words)
	}
}

func TestComposeRejectsMissingProse(t *testing.T) {
	a := newTestAgents(reply(`{"title":"","article_body":"body"}`), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Compose(context.Background(), "topic", composerCards())
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "missing title")

	a = newTestAgents(reply(`{"title":"t","article_body":"  "}`), &fakeVerifier{}, &fakeSearcher{})
	_, err = a.Compose(context.Background(), "topic", composerCards())
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "missing article_body")
}

func TestComposeRejectsOutOfRangeReference(t *testing.T) {
	a := newTestAgents(reply(articleReply(t, 700, ArticleReference{Number: 1, ClaimCardIndex: 3, Description: "d"})),
		&fakeVerifier{}, &fakeSearcher{})
	_, err := a.Compose(context.Background(), "topic", composerCards())
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "cites claim card 3")
}
