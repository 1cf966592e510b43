package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
)

// defaultSearchFloor is the lowest similarity the router gets to see.
// Searching at the contextual threshold rather than the exact one
// keeps related-but-different cards in the candidate list, so the mode
// ladder can tell "same claim" from "claim worth synthesizing over".
const defaultSearchFloor = 0.80

// SearchStore is the claim-store slice the searcher needs.
type SearchStore interface {
	SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error)
	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
}

// Searcher embeds questions and matches them against stored cards. The
// same adapter backs the router's search tool and the /chat/message
// cache check; only the threshold differs.
type Searcher struct {
	store SearchStore
	embed embedding.Provider
	floor float64
}

// NewSearcher builds a searcher over the claim store. A floor at or
// below zero selects the default.
func NewSearcher(store SearchStore, embed embedding.Provider, floor float64) *Searcher {
	if floor <= 0 {
		floor = defaultSearchFloor
	}
	return &Searcher{store: store, embed: embed, floor: floor}
}

// Search embeds query and returns stored cards at or above threshold,
// best first. A zero query embedding (the noop provider) returns
// nothing rather than comparing against an undefined direction.
func (s *Searcher) Search(ctx context.Context, query string, threshold float64, limit int) ([]model.ClaimSearchResult, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chat: embed query: %w", err)
	}
	if embedding.IsZero(vec) {
		return nil, nil
	}
	return s.store.SearchClaimsByEmbedding(ctx, vec, threshold, limit)
}

// SearchClaims implements the router's search tool at the floor.
func (s *Searcher) SearchClaims(ctx context.Context, query string, limit int) ([]model.ClaimSearchResult, error) {
	return s.Search(ctx, query, s.floor, limit)
}

// GetClaimCard implements the router's claim details tool.
func (s *Searcher) GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error) {
	return s.store.GetClaimCard(ctx, id)
}
