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

const arxivHit = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2104.08112v1</id>
    <title>Radiocarbon Dating of the
  Dead Sea Scrolls</title>
    <summary>We present new  accelerator mass spectrometry dates for
  fourteen scroll fragments.</summary>
    <published>2021-04-16T17:32:11Z</published>
    <author><name>K. Doudna</name></author>
    <author><name>J. van der Plicht</name></author>
    <link href="http://arxiv.org/abs/2104.08112v1" rel="alternate" type="text/html"/>
    <link href="http://arxiv.org/pdf/2104.08112v1" rel="related" type="application/pdf"/>
  </entry>
</feed>`

func arxivServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFromArxivParsesFeed(t *testing.T) {
	srv := arxivServer(t, arxivHit)
	s := newTestService(nil, nil, nil, Config{ArxivBaseURL: srv.URL})

	res, ok := s.fromArxiv(context.Background(), "radiocarbon dead sea scrolls")
	require.True(t, ok)

	src := res.source
	assert.Equal(t,
		`K. Doudna, J. van der Plicht, "Radiocarbon Dating of the Dead Sea Scrolls", arXiv (2021)`,
		src.Citation)
	assert.Equal(t, "http://arxiv.org/abs/2104.08112v1", src.URL)
	assert.Equal(t,
		"We present new accelerator mass spectrometry dates for fourteen scroll fragments.",
		src.QuoteText)
	assert.Equal(t, model.MethodArxiv, src.VerificationMethod)
	assert.Equal(t, model.StatusVerified, src.VerificationStatus)
	assert.Equal(t, model.ContentExactQuote, src.ContentType)

	require.NotNil(t, res.library)
	assert.Equal(t, "arXiv", res.library.Publisher)
	require.NotNil(t, res.library.Identifier)
	assert.Equal(t, "arXiv:2104.08112v1", *res.library.Identifier)
}

func TestFromArxivSendsSearchQuery(t *testing.T) {
	var gotQuery, gotMax string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		gotMax = r.URL.Query().Get("max_results")
		fmt.Fprint(w, `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`)
	}))
	t.Cleanup(srv.Close)

	s := newTestService(nil, nil, nil, Config{ArxivBaseURL: srv.URL})
	s.fromArxiv(context.Background(), "scroll dating")

	assert.Equal(t, "all:scroll dating", gotQuery)
	assert.Equal(t, "1", gotMax)
}

func TestFromArxivMissesOnEmptyFeed(t *testing.T) {
	srv := arxivServer(t, `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`)
	s := newTestService(nil, nil, nil, Config{ArxivBaseURL: srv.URL})
	_, ok := s.fromArxiv(context.Background(), "nothing")
	assert.False(t, ok)
}

func TestFromArxivMissesOnBadXML(t *testing.T) {
	srv := arxivServer(t, `{"this is": "not atom"}`)
	s := newTestService(nil, nil, nil, Config{ArxivBaseURL: srv.URL})
	_, ok := s.fromArxiv(context.Background(), "nothing")
	assert.False(t, ok)
}

func TestArxivID(t *testing.T) {
	assert.Equal(t, "2104.08112v1", arxivID("http://arxiv.org/abs/2104.08112v1"))
	assert.Equal(t, "hep-th/9901001", arxivID("https://arxiv.org/abs/hep-th/9901001"))
	assert.Equal(t, "", arxivID("https://example.org/paper/123"))
}
