package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/model"
)

const adversarialReply = `{
  "verdict": "True",
  "confidence_level": "High",
  "confidence_explanation": "Multiple independent manuscript and scholarly lines agree.",
  "apologetics_techniques": [],
  "counterevidence": "None identified",
  "verification_notes": "All quotes matched their cited sources."
}`

func testSourceReport() SourceReport {
	return SourceReport{
		EvidenceSummary: "The evidence supports direct literary dependence.",
		Sources: []model.Source{
			{
				Citation:           "Codex Vaticanus, 4th century",
				SourceType:         model.SourcePrimaryHistorical,
				URL:                "https://digi.vatlib.it/view/MSS_Vat.gr.1209",
				QuoteText:          "Parallel wording across the triple tradition.",
				VerificationMethod: model.MethodPerseus,
				VerificationStatus: model.StatusVerified,
				URLVerified:        true,
			},
			{
				Citation:           "Goodacre, The Synoptic Problem (2001)",
				SourceType:         model.SourceScholarly,
				URL:                "https://books.example.org/goodacre",
				QuoteText:          "Markan priority remains the consensus position.",
				VerificationMethod: model.MethodGoogleBooks,
				VerificationStatus: model.StatusVerified,
				URLVerified:        true,
			},
		},
	}
}

func TestChallenge(t *testing.T) {
	client := reply(adversarialReply)
	verifier := &fakeVerifier{}
	a := newTestAgents(client, verifier, &fakeSearcher{})

	out, err := a.Challenge(context.Background(), testFinding(), testSourceReport())
	require.NoError(t, err)

	assert.Equal(t, model.VerdictTrue, out.Verdict)
	assert.Equal(t, model.ConfidenceHigh, out.ConfidenceLevel)
	assert.NotNil(t, out.ApologeticsTechniques)
	assert.Empty(t, out.ApologeticsTechniques)
	assert.Empty(t, out.ReverificationNotes)

	// Every source was re-checked before the model was consulted.
	assert.Equal(t, []string{
		"Codex Vaticanus, 4th century",
		"Goodacre, The Synoptic Problem (2001)",
	}, verifier.reverified)

	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, "Attempt to falsify this analysis")
	assert.Contains(t, msg, "Codex Vaticanus")
	assert.NotContains(t, msg, "reverification found discrepancies")
}

func TestChallengeCollectsDiscrepancyNotes(t *testing.T) {
	client := reply(adversarialReply)
	verifier := &fakeVerifier{
		rechecks: map[string]model.SourceRecheck{
			"Codex Vaticanus, 4th century": {
				QuoteConfirmed: false,
				URLReachable:   true,
				Note:           "quote no longer found in source content",
			},
		},
	}
	a := newTestAgents(client, verifier, &fakeSearcher{})

	out, err := a.Challenge(context.Background(), testFinding(), testSourceReport())
	require.NoError(t, err)

	require.Len(t, out.ReverificationNotes, 1)
	assert.Equal(t, "Codex Vaticanus, 4th century: quote no longer found in source content", out.ReverificationNotes[0])

	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, "Source reverification found discrepancies:")
	assert.Contains(t, msg, "quote no longer found in source content")
}

func TestChallengeRecheckErrorBecomesNote(t *testing.T) {
	// A recheck that itself fails annotates the audit instead of
	// failing the stage.
	verifier := &fakeVerifier{
		recheckErr: map[string]error{
			"Goodacre, The Synoptic Problem (2001)": errors.New("tier unavailable"),
		},
	}
	a := newTestAgents(reply(adversarialReply), verifier, &fakeSearcher{})

	out, err := a.Challenge(context.Background(), testFinding(), testSourceReport())
	require.NoError(t, err)
	require.Len(t, out.ReverificationNotes, 1)
	assert.Contains(t, out.ReverificationNotes[0], "reverification failed: tier unavailable")
}

func TestChallengeCancellationAbortsReverify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAgents(reply(adversarialReply), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Challenge(ctx, testFinding(), testSourceReport())
	require.ErrorIs(t, err, ErrLLM)
	assert.Contains(t, err.Error(), context.Canceled.Error())
}

func TestChallengeRejectsEmptyClaim(t *testing.T) {
	a := newTestAgents(reply(), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Challenge(context.Background(), TopicFinding{}, SourceReport{})
	require.ErrorIs(t, err, ErrBadInput)
}

func TestChallengeOutputContract(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			"invalid verdict",
			`{"verdict":"Probably","confidence_level":"High","confidence_explanation":"e","apologetics_techniques":[],"counterevidence":"c","verification_notes":"n"}`,
			"invalid verdict",
		},
		{
			"invalid confidence",
			`{"verdict":"True","confidence_level":"Certain","confidence_explanation":"e","apologetics_techniques":[],"counterevidence":"c","verification_notes":"n"}`,
			"invalid confidence_level",
		},
		{
			"missing confidence explanation",
			`{"verdict":"True","confidence_level":"High","apologetics_techniques":[],"counterevidence":"c","verification_notes":"n"}`,
			"missing confidence_explanation",
		},
		{
			"missing techniques list",
			`{"verdict":"True","confidence_level":"High","confidence_explanation":"e","counterevidence":"c","verification_notes":"n"}`,
			"missing apologetics_techniques",
		},
		{
			"missing counterevidence",
			`{"verdict":"True","confidence_level":"High","confidence_explanation":"e","apologetics_techniques":[],"verification_notes":"n"}`,
			"missing counterevidence",
		},
		{
			"missing verification notes",
			`{"verdict":"True","confidence_level":"High","confidence_explanation":"e","apologetics_techniques":[],"counterevidence":"c"}`,
			"missing verification_notes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgents(reply(tt.reply), &fakeVerifier{}, &fakeSearcher{})
			_, err := a.Challenge(context.Background(), testFinding(), testSourceReport())
			require.ErrorIs(t, err, ErrParse)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChallengeAcceptsDependsVerdict(t *testing.T) {
	a := newTestAgents(reply(`{"verdict":"Depends on Definitions","confidence_level":"Low","confidence_explanation":"e","apologetics_techniques":["equivocation"],"counterevidence":"c","verification_notes":"n"}`),
		&fakeVerifier{}, &fakeSearcher{})
	out, err := a.Challenge(context.Background(), testFinding(), testSourceReport())
	require.NoError(t, err)
	assert.Equal(t, model.VerdictDepends, out.Verdict)
	assert.Equal(t, []string{"equivocation"}, out.ApologeticsTechniques)
}
