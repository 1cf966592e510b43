package storage_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/storage"
	"github.com/thereceipts/receipts/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// basisVec returns a unit vector with a single non-zero component. Two
// distinct basis vectors have cosine similarity 0, identical ones 1.
func basisVec(i int) pgvector.Vector {
	v := make([]float32, 1536)
	v[i] = 1
	return pgvector.NewVector(v)
}

// blendVec returns the normalized sum of two basis vectors. Its cosine
// similarity against either component is 1/sqrt(2) ≈ 0.707.
func blendVec(i, j int) pgvector.Vector {
	v := make([]float32, 1536)
	v[i] = float32(1 / math.Sqrt2)
	v[j] = float32(1 / math.Sqrt2)
	return pgvector.NewVector(v)
}

func newCard(text string, embedding *pgvector.Vector) model.ClaimCard {
	return model.ClaimCard{
		ClaimText:             text,
		Claimant:              "test claimant",
		ClaimType:             "factual",
		ClaimTypeCategory:     model.CategoryHistorical,
		Verdict:               model.VerdictMisleading,
		ShortAnswer:           "Short answer for " + text,
		DeepAnswer:            "Deep answer for " + text,
		WhyPersists:           []string{"repetition in popular media"},
		ConfidenceLevel:       model.ConfidenceHigh,
		ConfidenceExplanation: "multiple verified primary sources",
		AgentAudit:            map[string]any{"source_checker": "2 sources verified"},
		VisibleInAudits:       true,
		Embedding:             embedding,
	}
}

func TestClaimCardRoundTrip(t *testing.T) {
	ctx := context.Background()

	emb := basisVec(0)
	card := newCard("The Council of Nicaea decided the biblical canon", &emb)
	card.Sources = []model.Source{
		{
			SourceType:         model.SourcePrimaryHistorical,
			Citation:           "Eusebius, Life of Constantine, Book III",
			URL:                "https://www.ccel.org/ccel/schaff/npnf201.iv.vi.iii.html",
			QuoteText:          "the question of the canon was not on the agenda",
			UsageContext:       "primary account of the council's proceedings",
			VerificationMethod: model.MethodCCEL,
			VerificationStatus: model.StatusVerified,
			ContentType:        model.ContentVerifiedParaphrase,
			URLVerified:        true,
		},
		{
			SourceType:         model.SourceScholarly,
			Citation:           "Metzger, The Canon of the New Testament",
			VerificationMethod: model.MethodLLMUnverified,
			VerificationStatus: model.StatusUnverified,
			ContentType:        model.ContentUnverified,
		},
	}
	card.ApologeticsTags = []model.ApologeticsTag{
		{TechniqueName: "anachronism", Description: "projects a later process onto an earlier event"},
	}
	card.CategoryTags = []model.CategoryTag{
		{CategoryName: "Canon"},
	}

	created, err := testDB.CreateClaimCard(ctx, card)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetClaimCard(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, card.ClaimText, got.ClaimText)
	assert.Equal(t, card.Claimant, got.Claimant)
	assert.Equal(t, model.VerdictMisleading, got.Verdict)
	assert.Equal(t, model.CategoryHistorical, got.ClaimTypeCategory)
	assert.Equal(t, card.WhyPersists, got.WhyPersists)
	assert.Equal(t, model.ConfidenceHigh, got.ConfidenceLevel)
	assert.True(t, got.VisibleInAudits)
	assert.False(t, got.CreatedAt.IsZero())

	require.Len(t, got.Sources, 2)
	for _, s := range got.Sources {
		assert.Equal(t, created.ID, s.ClaimCardID)
	}
	require.Len(t, got.ApologeticsTags, 1)
	assert.Equal(t, "anachronism", got.ApologeticsTags[0].TechniqueName)
	require.Len(t, got.CategoryTags, 1)
	assert.Equal(t, "Canon", got.CategoryTags[0].CategoryName)
}

func TestGetClaimCardNotFound(t *testing.T) {
	_, err := testDB.GetClaimCard(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchClaimsByEmbedding(t *testing.T) {
	ctx := context.Background()

	exactEmb := basisVec(10)
	exact := newCard("Pilate is unattested outside the gospels", &exactEmb)
	exact, err := testDB.CreateClaimCard(ctx, exact)
	require.NoError(t, err)

	nearEmb := blendVec(10, 11)
	near := newCard("No Roman record mentions Pontius Pilate", &nearEmb)
	near, err = testDB.CreateClaimCard(ctx, near)
	require.NoError(t, err)

	farEmb := basisVec(12)
	far := newCard("Carbon dating assumes constant decay rates", &farEmb)
	_, err = testDB.CreateClaimCard(ctx, far)
	require.NoError(t, err)

	hiddenEmb := basisVec(10)
	hidden := newCard("Hidden duplicate of the Pilate claim", &hiddenEmb)
	hidden.VisibleInAudits = false
	_, err = testDB.CreateClaimCard(ctx, hidden)
	require.NoError(t, err)

	query := basisVec(10)

	// A 0.5 floor admits the exact and the near card, ordered by
	// similarity, and excludes the orthogonal and the hidden ones.
	results, err := testDB.SearchClaimsByEmbedding(ctx, query, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, exact.ID, results[0].Card.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-3)
	assert.Equal(t, near.ID, results[1].Card.ID)
	assert.InDelta(t, 1/math.Sqrt2, results[1].Similarity, 1e-3)

	// A 0.9 floor keeps only the exact match.
	results, err = testDB.SearchClaimsByEmbedding(ctx, query, 0.9, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, exact.ID, results[0].Card.ID)
}

func TestUpsertClaimEmbedding(t *testing.T) {
	ctx := context.Background()

	card := newCard("The long ending of Mark is original", nil)
	card, err := testDB.CreateClaimCard(ctx, card)
	require.NoError(t, err)

	// Without an embedding the card is invisible to semantic search.
	results, err := testDB.SearchClaimsByEmbedding(ctx, basisVec(20), 0.9, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, card.ID, r.Card.ID)
	}

	require.NoError(t, testDB.UpsertClaimEmbedding(ctx, card.ID, basisVec(20)))

	results, err = testDB.SearchClaimsByEmbedding(ctx, basisVec(20), 0.9, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, card.ID, results[0].Card.ID)

	err = testDB.UpsertClaimEmbedding(ctx, uuid.New(), basisVec(20))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateClaimText(t *testing.T) {
	ctx := context.Background()

	emb := basisVec(25)
	card := newCard("The Gospel of Thomas predates the canonical gospels", &emb)
	card, err := testDB.CreateClaimCard(ctx, card)
	require.NoError(t, err)

	newEmb := basisVec(26)
	updated, err := testDB.UpdateClaimText(ctx, card.ID,
		"The Gospel of Thomas was written before any canonical gospel", &newEmb)
	require.NoError(t, err)
	assert.Equal(t, "The Gospel of Thomas was written before any canonical gospel", updated.ClaimText)

	// The new vector matches; the old one no longer does.
	results, err := testDB.SearchClaimsByEmbedding(ctx, basisVec(26), 0.9, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, card.ID, results[0].Card.ID)
	assert.Equal(t, updated.ClaimText, results[0].Card.ClaimText)

	results, err = testDB.SearchClaimsByEmbedding(ctx, basisVec(25), 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, results, "stale embedding must not survive a text edit")

	// A nil embedding clears the stored one: the text changes and the
	// card drops out of semantic search until backfilled.
	updated, err = testDB.UpdateClaimText(ctx, card.ID, "Thomas postdates the synoptics", nil)
	require.NoError(t, err)
	assert.Equal(t, "Thomas postdates the synoptics", updated.ClaimText)

	results, err = testDB.SearchClaimsByEmbedding(ctx, basisVec(26), 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = testDB.UpdateClaimText(ctx, uuid.New(), "no such card", &newEmb)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetClaimVisibility(t *testing.T) {
	ctx := context.Background()

	emb := basisVec(30)
	card := newCard("Josephus never mentioned Jesus at all", &emb)
	card, err := testDB.CreateClaimCard(ctx, card)
	require.NoError(t, err)

	require.NoError(t, testDB.SetClaimVisibility(ctx, card.ID, false))

	results, err := testDB.SearchClaimsByEmbedding(ctx, basisVec(30), 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, results, "hidden cards must not appear in search")

	require.NoError(t, testDB.SetClaimVisibility(ctx, card.ID, true))

	results, err = testDB.SearchClaimsByEmbedding(ctx, basisVec(30), 0.9, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestLeaseQueuedTopics(t *testing.T) {
	ctx := context.Background()

	mk := func(text string, priority int) model.TopicQueueEntry {
		entry, err := testDB.CreateTopic(ctx, model.TopicQueueEntry{
			TopicText: text,
			Priority:  priority,
			Source:    "admin",
		})
		require.NoError(t, err)
		return entry
	}

	high := mk("lease test: high priority", 9)
	mid := mk("lease test: mid priority", 5)
	low := mk("lease test: low priority", 1)

	leased, err := testDB.LeaseQueuedTopics(ctx, 2)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, high.ID, leased[0].ID)
	assert.Equal(t, mid.ID, leased[1].ID)
	for _, topic := range leased {
		assert.Equal(t, model.TopicProcessing, topic.Status)
	}

	// A second lease only sees what the first one left behind.
	leased, err = testDB.LeaseQueuedTopics(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, low.ID, leased[0].ID)

	leased, err = testDB.LeaseQueuedTopics(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, leased)

	// Leasing a topic that is already processing is a conflict.
	err = testDB.LeaseTopic(ctx, high.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestCompleteAndFailTopic(t *testing.T) {
	ctx := context.Background()

	entry, err := testDB.CreateTopic(ctx, model.TopicQueueEntry{
		TopicText: "complete/fail test topic",
		Priority:  5,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.LeaseTopic(ctx, entry.ID))

	cardEmb := basisVec(40)
	card, err := testDB.CreateClaimCard(ctx, newCard("completion test claim", &cardEmb))
	require.NoError(t, err)
	post, err := testDB.CreateBlogPost(ctx, model.BlogPost{
		TopicQueueID: &entry.ID,
		Title:        "Completion Test Article",
		ArticleBody:  "body text",
		ClaimCardIDs: []uuid.UUID{card.ID},
	})
	require.NoError(t, err)

	require.NoError(t, testDB.CompleteTopic(ctx, entry.ID, []uuid.UUID{card.ID}, &post.ID))

	got, err := testDB.GetTopic(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopicCompleted, got.Status)
	assert.Equal(t, model.ReviewPending, got.ReviewStatus)
	assert.Equal(t, []uuid.UUID{card.ID}, got.ClaimCardIDs)
	require.NotNil(t, got.BlogPostID)
	assert.Equal(t, post.ID, *got.BlogPostID)

	failed, err := testDB.CreateTopic(ctx, model.TopicQueueEntry{
		TopicText: "failure test topic",
		Priority:  5,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.LeaseTopic(ctx, failed.ID))
	require.NoError(t, testDB.FailTopic(ctx, failed.ID, "pipeline stage timed out"))

	got, err = testDB.GetTopic(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopicFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "pipeline stage timed out", *got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
}

func TestSeedAgentPrompts(t *testing.T) {
	ctx := context.Background()
	defaults := agent.DefaultPrompts()

	inserted, err := testDB.SeedAgentPrompts(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, len(defaults), inserted)

	// Edit one prompt, then re-seed: edits survive, nothing is inserted.
	prompt, err := testDB.GetAgentPrompt(ctx, model.AgentTopicFinder)
	require.NoError(t, err)
	prompt.Temperature = 0.15
	prompt.SystemPrompt = "edited system prompt"
	_, err = testDB.UpdateAgentPrompt(ctx, prompt)
	require.NoError(t, err)

	inserted, err = testDB.SeedAgentPrompts(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	got, err := testDB.GetAgentPrompt(ctx, model.AgentTopicFinder)
	require.NoError(t, err)
	assert.Equal(t, "edited system prompt", got.SystemPrompt)
	assert.InDelta(t, 0.15, got.Temperature, 1e-6)
}

func TestListBlogPostsPublishedOnly(t *testing.T) {
	ctx := context.Background()

	draft, err := testDB.CreateBlogPost(ctx, model.BlogPost{
		Title:       "Draft: Unpublished Analysis",
		ArticleBody: "draft body",
	})
	require.NoError(t, err)
	assert.False(t, draft.Published())

	published, err := testDB.CreateBlogPost(ctx, model.BlogPost{
		Title:       "Published: Reviewed Analysis",
		ArticleBody: "published body",
	})
	require.NoError(t, err)
	require.NoError(t, testDB.PublishBlogPost(ctx, published.ID, "admin", "looks solid"))

	posts, _, err := testDB.ListBlogPosts(ctx, true, 100, 0)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool, len(posts))
	for _, p := range posts {
		require.NotNil(t, p.PublishedAt, "published listing leaked a draft")
		ids[p.ID] = true
	}
	assert.True(t, ids[published.ID])
	assert.False(t, ids[draft.ID])
}

func TestUpsertVerifiedSourceDedup(t *testing.T) {
	ctx := context.Background()

	isbn := "978-0198269540"
	emb := basisVec(50)
	first, err := testDB.UpsertVerifiedSource(ctx, model.VerifiedSource{
		Title:              "The Canon of the New Testament",
		Author:             "Bruce M. Metzger",
		Identifier:         &isbn,
		URL:                "https://books.google.com/books?id=example",
		SourceType:         model.SourceScholarly,
		VerificationMethod: string(model.MethodGoogleBooks),
		Embedding:          &emb,
	})
	require.NoError(t, err)

	before, err := testDB.CountVerifiedSources(ctx)
	require.NoError(t, err)

	// Re-verifying the same identifier updates in place.
	second, err := testDB.UpsertVerifiedSource(ctx, model.VerifiedSource{
		Title:              "The Canon of the New Testament",
		Author:             "Bruce M. Metzger",
		Identifier:         &isbn,
		URL:                "https://books.google.com/books?id=updated",
		SourceType:         model.SourceScholarly,
		VerificationMethod: string(model.MethodGoogleBooks),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://books.google.com/books?id=updated", second.URL)

	after, err := testDB.CountVerifiedSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, testDB.BumpSourceReuse(ctx, first.ID))
	matches, err := testDB.SearchLibraryByEmbedding(ctx, basisVec(50), 0.9, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, first.ID, matches[0].Source.ID)
	assert.Equal(t, 1, matches[0].Source.TimesReused)
}

// TestResetContent runs last in this file: it wipes every generated
// table, so earlier tests must not depend on state after this point.
func TestResetContent(t *testing.T) {
	ctx := context.Background()

	emb := basisVec(60)
	card := newCard("reset test claim", &emb)
	card.CategoryTags = []model.CategoryTag{{CategoryName: "Genesis"}}
	card, err := testDB.CreateClaimCard(ctx, card)
	require.NoError(t, err)

	_, err = testDB.CreateTopic(ctx, model.TopicQueueEntry{TopicText: "reset test topic", Priority: 5})
	require.NoError(t, err)

	promptsBefore, err := testDB.ListAgentPrompts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, promptsBefore)
	libraryBefore, err := testDB.CountVerifiedSources(ctx)
	require.NoError(t, err)
	require.Positive(t, libraryBefore)

	result, err := testDB.ResetContent(ctx)
	require.NoError(t, err)
	assert.Positive(t, result.ClaimCards)
	assert.Positive(t, result.TopicQueue)

	_, err = testDB.GetClaimCard(ctx, card.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	count, err := testDB.CountClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	topics, total, err := testDB.ListTopics(ctx, "", "", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, topics)
	assert.Zero(t, total)

	// Agent configuration and the verified source library survive.
	promptsAfter, err := testDB.ListAgentPrompts(ctx)
	require.NoError(t, err)
	assert.Len(t, promptsAfter, len(promptsBefore))
	libraryAfter, err := testDB.CountVerifiedSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, libraryBefore, libraryAfter)
}
