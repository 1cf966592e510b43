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

const scholarHit = `{"total":1,"data":[{
	"title":"The Historical Reliability of Acts",
	"abstract":"We reassess the Lukan authorship question against epigraphic evidence.",
	"venue":"New Testament Studies",
	"year":2016,
	"url":"https://papers.example.org/acts",
	"authors":[{"name":"C. Keener"},{"name":"S. Walton"}],
	"externalIds":{"DOI":"10.1017/NTS.2016.12"}
}]}`

func scholarServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paper/search" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFromSemanticScholarParsesPaper(t *testing.T) {
	srv := scholarServer(t, scholarHit)
	s := newTestService(nil, nil, nil, Config{SemanticScholarBaseURL: srv.URL})

	res, ok := s.fromSemanticScholar(context.Background(), "acts historical reliability")
	require.True(t, ok)

	src := res.source
	assert.Equal(t, `C. Keener, S. Walton, "The Historical Reliability of Acts", New Testament Studies (2016)`, src.Citation)
	assert.Equal(t, "https://papers.example.org/acts", src.URL)
	assert.Equal(t, "We reassess the Lukan authorship question against epigraphic evidence.", src.QuoteText)
	assert.Equal(t, model.MethodSemanticScholar, src.VerificationMethod)
	assert.Equal(t, model.StatusVerified, src.VerificationStatus)
	assert.Equal(t, model.ContentExactQuote, src.ContentType)

	require.NotNil(t, res.library)
	assert.Equal(t, "New Testament Studies", res.library.Publisher)
	require.NotNil(t, res.library.Identifier)
	assert.Equal(t, "10.1017/nts.2016.12", *res.library.Identifier, "DOIs are stored lowercase")
	require.NotNil(t, res.library.PublicationDate)
	assert.Equal(t, "2016", *res.library.PublicationDate)
}

func TestFromSemanticScholarWithoutAbstract(t *testing.T) {
	srv := scholarServer(t, `{"total":1,"data":[{
		"title":"Untitled Working Paper",
		"venue":"",
		"year":0,
		"authors":[]
	}]}`)
	s := newTestService(nil, nil, nil, Config{SemanticScholarBaseURL: srv.URL})

	res, ok := s.fromSemanticScholar(context.Background(), "working paper")
	require.True(t, ok)

	assert.Empty(t, res.source.QuoteText)
	assert.Equal(t, model.StatusPartiallyVerified, res.source.VerificationStatus)
	assert.Equal(t, model.ContentVerifiedParaphrase, res.source.ContentType)
	assert.Equal(t, `"Untitled Working Paper"`, res.source.Citation)
	assert.Nil(t, res.library.Identifier)
	assert.Nil(t, res.library.PublicationDate)
}

func TestFromSemanticScholarSendsAPIKey(t *testing.T) {
	var gotKey, gotFields string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotFields = r.URL.Query().Get("fields")
		fmt.Fprint(w, `{"total":0,"data":[]}`)
	}))
	t.Cleanup(srv.Close)

	s := newTestService(nil, nil, nil, Config{
		SemanticScholarBaseURL: srv.URL,
		SemanticScholarAPIKey:  "s2-key",
	})
	s.fromSemanticScholar(context.Background(), "anything")

	assert.Equal(t, "s2-key", gotKey)
	assert.Equal(t, "title,authors,year,abstract,url,externalIds,venue", gotFields)
}

func TestFromSemanticScholarMissesOnEmpty(t *testing.T) {
	srv := scholarServer(t, `{"total":0,"data":[]}`)
	s := newTestService(nil, nil, nil, Config{SemanticScholarBaseURL: srv.URL})
	_, ok := s.fromSemanticScholar(context.Background(), "no such paper")
	assert.False(t, ok)
}

func TestAcademicCitation(t *testing.T) {
	tests := []struct {
		name    string
		authors string
		title   string
		venue   string
		year    int
		want    string
	}{
		{"full", "C. Keener", "Acts", "NTS", 2016, `C. Keener, "Acts", NTS (2016)`},
		{"no venue", "C. Keener", "Acts", "", 2016, `C. Keener, "Acts" (2016)`},
		{"no year", "C. Keener", "Acts", "NTS", 0, `C. Keener, "Acts", NTS`},
		{"title only", "", "Acts", "", 0, `"Acts"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, academicCitation(tt.authors, tt.title, tt.venue, tt.year))
		})
	}
}

func TestFromAcademicSequence(t *testing.T) {
	misses := notFoundServer(t)

	t.Run("semantic scholar wins when it hits", func(t *testing.T) {
		scholar := scholarServer(t, scholarHit)
		arxiv := arxivServer(t, arxivHit)
		cfg := missingAllConfig(misses)
		cfg.SemanticScholarBaseURL = scholar.URL
		cfg.ArxivBaseURL = arxiv.URL
		s := newTestService(nil, nil, nil, cfg)

		res, ok := s.fromAcademic(context.Background(), "query")
		require.True(t, ok)
		assert.Equal(t, model.MethodSemanticScholar, res.source.VerificationMethod)
	})

	t.Run("arxiv picks up a scholar miss", func(t *testing.T) {
		arxiv := arxivServer(t, arxivHit)
		cfg := missingAllConfig(misses)
		cfg.ArxivBaseURL = arxiv.URL
		s := newTestService(nil, nil, nil, cfg)

		res, ok := s.fromAcademic(context.Background(), "query")
		require.True(t, ok)
		assert.Equal(t, model.MethodArxiv, res.source.VerificationMethod)
	})

	t.Run("pubmed is the last resort", func(t *testing.T) {
		pubmed := pubmedServer(t)
		cfg := missingAllConfig(misses)
		cfg.PubMedBaseURL = pubmed.URL
		s := newTestService(nil, nil, nil, cfg)

		res, ok := s.fromAcademic(context.Background(), "query")
		require.True(t, ok)
		assert.Equal(t, model.MethodPubMed, res.source.VerificationMethod)
	})

	t.Run("all providers missing", func(t *testing.T) {
		s := newTestService(nil, nil, nil, missingAllConfig(misses))
		_, ok := s.fromAcademic(context.Background(), "query")
		assert.False(t, ok)
	})
}
