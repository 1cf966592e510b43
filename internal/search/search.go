// Package search provides the optional Qdrant-backed claim index with
// transparent fallback to pgvector similarity SQL in Postgres. Postgres
// is the source of truth; the index is derived from it through the
// search_outbox table and can be dropped and rebuilt at any time.
package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/model"
)

// Result holds a claim card ID and its raw cosine similarity from the
// index. The caller hydrates full cards from Postgres.
type Result struct {
	ClaimCardID uuid.UUID
	Score       float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns claim card IDs whose embeddings score at or above
	// threshold against the query vector, best match first.
	Search(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// CardStore is the slice of the claim store the hybrid needs: the
// pgvector fallback query plus hydration of index hits.
type CardStore interface {
	SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error)
	GetClaimCards(ctx context.Context, ids []uuid.UUID) ([]model.ClaimCard, error)
	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
}

// Hybrid serves claim similarity queries from the index when one is
// configured and healthy, and from pgvector SQL otherwise. It satisfies
// the same store surface the chat searcher consumes, so callers cannot
// tell which backend answered.
type Hybrid struct {
	index  Searcher // nil when Qdrant is not configured
	store  CardStore
	logger *slog.Logger
}

func NewHybrid(index Searcher, store CardStore, logger *slog.Logger) *Hybrid {
	return &Hybrid{
		index:  index,
		store:  store,
		logger: logger.With("component", "search"),
	}
}

// SearchClaimsByEmbedding returns cards scoring at or above threshold,
// best match first. Index hits are hydrated from Postgres; cards
// deleted or hidden between the index query and hydration are dropped,
// matching what the SQL path would have returned.
func (h *Hybrid) SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error) {
	if h.index == nil {
		return h.store.SearchClaimsByEmbedding(ctx, embedding, threshold, limit)
	}
	if err := h.index.Healthy(ctx); err != nil {
		h.logger.Warn("search index unhealthy, falling back to pgvector", "error", err)
		return h.store.SearchClaimsByEmbedding(ctx, embedding, threshold, limit)
	}

	hits, err := h.index.Search(ctx, embedding.Slice(), threshold, limit)
	if err != nil {
		h.logger.Warn("search index query failed, falling back to pgvector", "error", err)
		return h.store.SearchClaimsByEmbedding(ctx, embedding, threshold, limit)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ClaimCardID
	}
	cards, err := h.store.GetClaimCards(ctx, ids)
	if err != nil {
		h.logger.Warn("index hit hydration failed, falling back to pgvector", "error", err)
		return h.store.SearchClaimsByEmbedding(ctx, embedding, threshold, limit)
	}
	byID := make(map[uuid.UUID]model.ClaimCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	results := make([]model.ClaimSearchResult, 0, len(hits))
	for _, hit := range hits {
		card, ok := byID[hit.ClaimCardID]
		if !ok || !card.VisibleInAudits {
			continue
		}
		results = append(results, model.ClaimSearchResult{
			Card:       card,
			Similarity: float64(hit.Score),
		})
	}
	return results, nil
}

// GetClaimCard passes through to the claim store.
func (h *Hybrid) GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error) {
	return h.store.GetClaimCard(ctx, id)
}
