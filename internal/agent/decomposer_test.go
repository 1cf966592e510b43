package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decompositionReply(n int) string {
	claims := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		claims = append(claims, fmt.Sprintf(`"component claim %d"`, i))
	}
	return fmt.Sprintf(`{"component_claims":[%s],"reasoning":"Split by evidential independence."}`,
		strings.Join(claims, ","))
}

func TestDecompose(t *testing.T) {
	client := reply(decompositionReply(5))
	a := newTestAgents(client, &fakeVerifier{}, &fakeSearcher{})

	out, err := a.Decompose(context.Background(), "The Exodus as described in the Bible", "")
	require.NoError(t, err)
	assert.Len(t, out.ComponentClaims, 5)
	assert.Equal(t, "component claim 1", out.ComponentClaims[0])
	assert.Equal(t, "Split by evidential independence.", out.Reasoning)

	msg := client.requests[0].Messages[0].Content
	assert.Contains(t, msg, "Topic: The Exodus as described in the Bible")
	assert.NotContains(t, msg, "Additional context")
}

func TestDecomposeIncludesExtraContext(t *testing.T) {
	client := reply(decompositionReply(4))
	a := newTestAgents(client, &fakeVerifier{}, &fakeSearcher{})

	_, err := a.Decompose(context.Background(), "The Exodus", "Focus on the archaeology, not the chronology debate.")
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Messages[0].Content,
		"Additional context: Focus on the archaeology, not the chronology debate.")
}

func TestDecomposeRejectsEmptyTopic(t *testing.T) {
	a := newTestAgents(reply(), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Decompose(context.Background(), "  ", "")
	require.ErrorIs(t, err, ErrBadInput)
}

func TestDecomposeClaimCountBounds(t *testing.T) {
	for _, n := range []int{MinComponentClaims - 1, MaxComponentClaims + 1} {
		t.Run(fmt.Sprintf("%d claims", n), func(t *testing.T) {
			a := newTestAgents(reply(decompositionReply(n)), &fakeVerifier{}, &fakeSearcher{})
			_, err := a.Decompose(context.Background(), "topic", "")
			require.ErrorIs(t, err, ErrParse)
			assert.Contains(t, err.Error(), fmt.Sprintf("produced %d claims", n))
		})
	}

	for _, n := range []int{MinComponentClaims, MaxComponentClaims} {
		t.Run(fmt.Sprintf("%d claims accepted", n), func(t *testing.T) {
			a := newTestAgents(reply(decompositionReply(n)), &fakeVerifier{}, &fakeSearcher{})
			out, err := a.Decompose(context.Background(), "topic", "")
			require.NoError(t, err)
			assert.Len(t, out.ComponentClaims, n)
		})
	}
}

func TestDecomposeMissingClaims(t *testing.T) {
	a := newTestAgents(reply(`{"reasoning":"no list"}`), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Decompose(context.Background(), "topic", "")
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "missing component_claims")
}

func TestDecomposeBlankClaimRejected(t *testing.T) {
	a := newTestAgents(reply(`{"component_claims":["a","  ","c"],"reasoning":"r"}`), &fakeVerifier{}, &fakeSearcher{})
	_, err := a.Decompose(context.Background(), "topic", "")
	require.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "component claim 2 is empty")
}
