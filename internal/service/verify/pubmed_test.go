package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/model"
)

func pubmedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"idlist":["31722068"]}}`)
	})
	mux.HandleFunc("/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"uids":["31722068"],"31722068":{
			"title":"Radiocarbon dating of ancient parchment.",
			"source":"J Archaeol Sci",
			"pubdate":"2019 Nov",
			"authors":[{"name":"Brock F"},{"name":"Higham T"}]
		}}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFromPubMedParsesRecord(t *testing.T) {
	srv := pubmedServer(t)
	s := newTestService(nil, nil, nil, Config{PubMedBaseURL: srv.URL})

	res, ok := s.fromPubMed(context.Background(), "radiocarbon parchment")
	require.True(t, ok)

	src := res.source
	assert.Equal(t,
		`Brock F, Higham T, "Radiocarbon dating of ancient parchment", J Archaeol Sci (2019). PMID: 31722068`,
		src.Citation)
	assert.Empty(t, src.URL, "the summary payload names no page")
	assert.Empty(t, src.QuoteText)
	assert.Equal(t, model.MethodPubMed, src.VerificationMethod)
	assert.Equal(t, model.StatusPartiallyVerified, src.VerificationStatus)
	assert.Equal(t, model.ContentVerifiedParaphrase, src.ContentType)

	require.NotNil(t, res.library)
	require.NotNil(t, res.library.Identifier)
	assert.Equal(t, "PMID:31722068", *res.library.Identifier)
	assert.Equal(t, "J Archaeol Sci", res.library.Publisher)
	require.NotNil(t, res.library.PublicationDate)
	assert.Equal(t, "2019", *res.library.PublicationDate)
}

func TestFromPubMedMissesWhenSearchIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"idlist":[]}}`)
	}))
	t.Cleanup(srv.Close)

	s := newTestService(nil, nil, nil, Config{PubMedBaseURL: srv.URL})
	_, ok := s.fromPubMed(context.Background(), "nothing biomedical")
	assert.False(t, ok)
}

func TestFromPubMedMissesWhenSummaryLacksRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"idlist":["99"]}}`)
	})
	mux.HandleFunc("/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"uids":["99"]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s := newTestService(nil, nil, nil, Config{PubMedBaseURL: srv.URL})
	_, ok := s.fromPubMed(context.Background(), "orphaned id")
	assert.False(t, ok)
}
