package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
)

func libraryMatch(title, author, url string, similarity float64) model.VerifiedSourceMatch {
	return model.VerifiedSourceMatch{
		Source: model.VerifiedSource{
			ID:                 uuid.New(),
			Title:              title,
			Author:             author,
			URL:                url,
			SourceType:         model.SourceScholarly,
			VerificationMethod: string(model.MethodGoogleBooks),
			TimesReused:        2,
		},
		Similarity: similarity,
	}
}

func TestFromLibraryReusesRelevantMatch(t *testing.T) {
	match := libraryMatch("The Synoptic Problem", "Mark Goodacre", "https://books.example.org/synoptic", 0.91)
	store := &fakeStore{matches: []model.VerifiedSourceMatch{match}}
	client := &scriptedLLM{replies: []string{
		"YES",
		"Goodacre surveys the manuscript evidence bearing on Markan priority.",
	}}
	embedder := &fakeEmbedder{}
	s := newTestService(store, embedder, llm.NewClientsFrom(client, nil), Config{})

	res, ok := s.fromLibrary(context.Background(), "Luke copies Mark", "synoptic problem sources")
	require.True(t, ok)

	src := res.source
	assert.Equal(t, "The Synoptic Problem, Mark Goodacre", src.Citation)
	assert.Equal(t, "https://books.example.org/synoptic", src.URL)
	assert.Equal(t, model.MethodLibraryReuse, src.VerificationMethod)
	assert.Equal(t, model.StatusPartiallyVerified, src.VerificationStatus)
	assert.Equal(t, model.ContentVerifiedParaphrase, src.ContentType)
	assert.Equal(t, "Goodacre surveys the manuscript evidence bearing on Markan priority.", src.QuoteText)
	assert.Nil(t, res.library, "library reuse must not refile the row")

	assert.Equal(t, []uuid.UUID{match.Source.ID}, store.bumped)
	assert.Equal(t, defaultLibraryThreshold, store.searchThreshold)
	assert.Equal(t, librarySearchLimit, store.searchLimit)
	require.Len(t, embedder.texts, 1)
	assert.Equal(t, "Luke copies Mark synoptic problem sources", embedder.texts[0])
}

func TestFromLibraryPinsRelevanceRequest(t *testing.T) {
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.9),
	}}
	client := &scriptedLLM{replies: []string{"YES", "A paraphrase."}}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	require.True(t, ok)

	require.Len(t, client.requests, 2)
	relevance := client.requests[0]
	assert.Equal(t, relevanceModel, relevance.Model)
	assert.Zero(t, relevance.Temperature)
	assert.Equal(t, relevanceMaxTokens, relevance.MaxTokens)
	assert.Contains(t, relevance.Messages[0].Content, "The Synoptic Problem")
	assert.Contains(t, relevance.Messages[0].Content, `Respond with ONLY "YES" or "NO"`)

	quote := client.requests[1]
	assert.Equal(t, quoteModel, quote.Model)
	assert.Equal(t, quoteMaxTokens, quote.MaxTokens)
	assert.Contains(t, quote.Messages[0].Content, "claim")
}

func TestFromLibrarySkipsIrrelevantCandidates(t *testing.T) {
	first := libraryMatch("Unrelated Cookbook", "A. Chef", "", 0.88)
	second := libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.86)
	store := &fakeStore{matches: []model.VerifiedSourceMatch{first, second}}
	client := &scriptedLLM{replies: []string{"NO", "YES", "A fresh paraphrase."}}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	res, ok := s.fromLibrary(context.Background(), "claim", "query")
	require.True(t, ok)
	assert.Contains(t, res.source.Citation, "The Synoptic Problem")
	assert.Equal(t, []uuid.UUID{second.Source.ID}, store.bumped)
}

func TestFromLibraryMissesWhenNothingMatches(t *testing.T) {
	s := newTestService(&fakeStore{}, nil, nil, Config{})
	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	assert.False(t, ok)
}

func TestFromLibraryMissesOnZeroEmbedding(t *testing.T) {
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.95),
	}}
	s := newTestService(store, zeroEmbedder{}, nil, Config{})

	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	assert.False(t, ok)
	assert.False(t, store.searchCalled, "zero vectors must not reach the search")
}

func TestFromLibraryMissesWithoutOpenAIClient(t *testing.T) {
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.95),
	}}
	anthropicOnly := llm.NewClientsFrom(nil, &scriptedLLM{replies: []string{"YES"}})
	s := newTestService(store, nil, anthropicOnly, Config{})

	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	assert.False(t, ok)
	assert.Empty(t, store.bumped)
}

func TestFromLibraryRelevanceFailureFallsThrough(t *testing.T) {
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.95),
	}}
	client := &scriptedLLM{err: fmt.Errorf("rate limited")}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	assert.False(t, ok)
	assert.Empty(t, store.bumped)
}

func TestFromLibraryToleratesQuoteFailure(t *testing.T) {
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.95),
	}}
	client := &scriptedLLM{replies: []string{"YES"}} // quote call finds the script exhausted
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	res, ok := s.fromLibrary(context.Background(), "claim", "query")
	require.True(t, ok)
	assert.Empty(t, res.source.QuoteText)
	assert.Equal(t, model.StatusPartiallyVerified, res.source.VerificationStatus)
}

func TestFromLibraryToleratesBumpFailure(t *testing.T) {
	store := &fakeStore{
		matches: []model.VerifiedSourceMatch{libraryMatch("The Synoptic Problem", "Mark Goodacre", "", 0.95)},
		bumpErr: fmt.Errorf("deadlock"),
	}
	client := &scriptedLLM{replies: []string{"YES", "A paraphrase."}}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	_, ok := s.fromLibrary(context.Background(), "claim", "query")
	assert.True(t, ok)
}

func TestVerifySourceChecksLibraryBeforeCatalogs(t *testing.T) {
	var booksCalls int
	books := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		booksCalls++
		http.NotFound(w, r)
	}))
	t.Cleanup(books.Close)

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(page.Close)

	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", page.URL+"/book", 0.95),
	}}
	client := &scriptedLLM{replies: []string{"YES", "A paraphrase."}}
	cfg := Config{GoogleBooksBaseURL: books.URL}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), cfg)

	src, err := s.VerifySource(context.Background(), "claim", "query", model.SourceScholarly)
	require.NoError(t, err)

	assert.Equal(t, model.MethodLibraryReuse, src.VerificationMethod)
	assert.Zero(t, booksCalls)
	assert.Equal(t, page.URL+"/book", src.URL)
	assert.True(t, src.URLVerified, "reused url is probed again at finish")
	assertSourceIntegrity(t, src)
}

func TestVerifySourceDropsRottedLibraryURL(t *testing.T) {
	gone := notFoundServer(t)
	store := &fakeStore{matches: []model.VerifiedSourceMatch{
		libraryMatch("The Synoptic Problem", "Mark Goodacre", gone.URL+"/book", 0.95),
	}}
	client := &scriptedLLM{replies: []string{"YES", "A paraphrase."}}
	s := newTestService(store, nil, llm.NewClientsFrom(client, nil), Config{})

	src, err := s.VerifySource(context.Background(), "claim", "query", model.SourceScholarly)
	require.NoError(t, err)

	assert.Equal(t, model.MethodLibraryReuse, src.VerificationMethod)
	assert.Empty(t, src.URL)
	assert.False(t, src.URLVerified)
	assertSourceIntegrity(t, src)
}
