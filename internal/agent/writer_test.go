package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/model"
)

const writerReply = `{
  "short_answer": "Yes. The verbal agreement between Luke and Mark is too close for independent composition.",
  "deep_answer": "Across the triple tradition the wording, order, and even parenthetical remarks agree in ways independent eyewitness accounts never do. The manuscript evidence and two centuries of source criticism converge on the same explanation.",
  "why_persists": [
    "Harmonized reading habits obscure the parallels",
    "Independent eyewitness accounts feel more trustworthy",
    "Few readers compare the gospels side by side"
  ],
  "confidence_level": "High",
  "confidence_explanation": "The textual evidence is abundant and the scholarly consensus is broad."
}`

func testAdversarial() AdversarialReport {
	return AdversarialReport{
		Verdict:               model.VerdictTrue,
		ConfidenceLevel:       model.ConfidenceHigh,
		ConfidenceExplanation: "Multiple independent lines agree.",
		ApologeticsTechniques: []string{},
		Counterevidence:       "None identified",
		VerificationNotes:     "All quotes matched.",
		ReverificationNotes:   []string{"Codex Vaticanus: url unreachable at recheck"},
	}
}

func TestWrite(t *testing.T) {
	client := reply(writerReply)
	a := newTestAgents(client, &fakeVerifier{}, &fakeSearcher{})

	draft, err := a.Write(context.Background(), testFinding(), testSourceReport(), testAdversarial())
	require.NoError(t, err)

	assert.Contains(t, draft.ShortAnswer, "verbal agreement")
	assert.NotEmpty(t, draft.DeepAnswer)
	assert.Len(t, draft.WhyPersists, 3)
	assert.Equal(t, model.ConfidenceHigh, draft.ConfidenceLevel)

	// The writer sees the verdict, the evidence summary, and the
	// reverification notes from the adversarial stage.
	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, `"verdict": "True"`)
	assert.Contains(t, msg, "The evidence supports direct literary dependence.")
	assert.Contains(t, msg, "url unreachable at recheck")
}

func TestWriteRequiresClaimAndVerdict(t *testing.T) {
	a := newTestAgents(reply(), &fakeVerifier{}, &fakeSearcher{})

	_, err := a.Write(context.Background(), TopicFinding{}, SourceReport{}, testAdversarial())
	require.ErrorIs(t, err, ErrBadInput)

	_, err = a.Write(context.Background(), testFinding(), SourceReport{}, AdversarialReport{})
	require.ErrorIs(t, err, ErrBadInput)
	assert.Contains(t, err.Error(), "missing verdict")
}

func TestWriteOutputContract(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			"missing short answer",
			`{"deep_answer":"d","why_persists":["a","b"],"confidence_level":"High","confidence_explanation":"e"}`,
			"missing short_answer",
		},
		{
			"missing deep answer",
			`{"short_answer":"s","why_persists":["a","b"],"confidence_level":"High","confidence_explanation":"e"}`,
			"missing deep_answer",
		},
		{
			"missing why_persists",
			`{"short_answer":"s","deep_answer":"d","confidence_level":"High","confidence_explanation":"e"}`,
			"missing why_persists",
		},
		{
			"invalid confidence",
			`{"short_answer":"s","deep_answer":"d","why_persists":["a","b"],"confidence_level":"Absolute","confidence_explanation":"e"}`,
			"invalid confidence_level",
		},
		{
			"missing confidence explanation",
			`{"short_answer":"s","deep_answer":"d","why_persists":["a","b"],"confidence_level":"High"}`,
			"missing confidence_explanation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgents(reply(tt.reply), &fakeVerifier{}, &fakeSearcher{})
			_, err := a.Write(context.Background(), testFinding(), testSourceReport(), testAdversarial())
			require.ErrorIs(t, err, ErrParse)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteRejectsOverlongShortAnswer(t *testing.T) {
	words := model.MaxShortAnswerWords + model.ShortAnswerSlack + 1
	long := strings.TrimSpace(strings.Repeat("word ", words))
	a := newTestAgents(reply(fmt.Sprintf(`{"short_answer":%q,"deep_answer":"d","why_persists":["a","b"],"confidence_level":"High","confidence_explanation":"e"}`, long)),
		&fakeVerifier{}, &fakeSearcher{})

	_, err := a.Write(context.Background(), testFinding(), testSourceReport(), testAdversarial())
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "short_answer too long")
}

func TestWriteToleratesSlackOvershoot(t *testing.T) {
	// Up to the slack the draft passes; the card validator applies the
	// same bound.
	words := model.MaxShortAnswerWords + model.ShortAnswerSlack
	long := strings.TrimSpace(strings.Repeat("word ", words))
	a := newTestAgents(reply(fmt.Sprintf(`{"short_answer":%q,"deep_answer":"d","why_persists":["a","b"],"confidence_level":"High","confidence_explanation":"e"}`, long)),
		&fakeVerifier{}, &fakeSearcher{})

	draft, err := a.Write(context.Background(), testFinding(), testSourceReport(), testAdversarial())
	require.NoError(t, err)
	assert.Equal(t, words, len(strings.Fields(draft.ShortAnswer)))
}

func TestWriteLoneWhyPersistsTolerated(t *testing.T) {
	a := newTestAgents(reply(`{"short_answer":"s","deep_answer":"d","why_persists":"only reason","confidence_level":"High","confidence_explanation":"e"}`),
		&fakeVerifier{}, &fakeSearcher{})
	draft, err := a.Write(context.Background(), testFinding(), testSourceReport(), testAdversarial())
	require.NoError(t, err)
	assert.Equal(t, stringList{"only reason"}, draft.WhyPersists)
}
