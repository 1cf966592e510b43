// Package review implements the admin review workflow for generated
// articles. A draft sits at completed + pending_review until a
// reviewer approves it (publishing the post), rejects it (post stays
// unpublished, component claim cards remain in the library), or
// requests a revision that re-runs part of the generation: the
// decomposer (full regeneration), specific claim pipelines, or just
// the composer. Every revision returns the draft to pending_review.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/agent"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
)

const (
	defaultDedupThreshold = 0.92

	// dedupSearchLimit leaves room to step over cards already picked
	// for the article being revised.
	dedupSearchLimit = 5
)

// Stages is the slice of agent behavior revisions re-run.
type Stages interface {
	Decompose(ctx context.Context, topic, extra string) (agent.Decomposition, error)
	Compose(ctx context.Context, topic string, cards []model.ClaimCard) (agent.Article, error)
}

// PipelineRunner audits one claim end to end and persists its card.
type PipelineRunner interface {
	Run(ctx context.Context, question, sessionID string) (model.ClaimCard, error)
}

// Store is the storage surface the review workflow drives.
type Store interface {
	GetTopic(ctx context.Context, id uuid.UUID) (model.TopicQueueEntry, error)
	ListTopics(ctx context.Context, status, reviewStatus string, limit, offset int) ([]model.TopicQueueEntry, int, error)
	SetTopicReview(ctx context.Context, id uuid.UUID, status model.ReviewStatus, feedback *string) error
	CompleteTopic(ctx context.Context, id uuid.UUID, claimCardIDs []uuid.UUID, blogPostID *uuid.UUID) error
	FailTopic(ctx context.Context, id uuid.UUID, errMsg string) error

	GetBlogPost(ctx context.Context, id uuid.UUID) (model.BlogPost, error)
	PublishBlogPost(ctx context.Context, id uuid.UUID, reviewedBy, reviewNotes string) error
	SetBlogReviewNotes(ctx context.Context, id uuid.UUID, reviewedBy, notes string) error
	ReplaceBlogContent(ctx context.Context, id uuid.UUID, title, body string, claimCardIDs []uuid.UUID) error

	GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error)
	SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error)
}

// Config carries the review workflow knobs.
type Config struct {
	// DedupThreshold is the similarity at which a decomposer re-run
	// reuses an existing card instead of running the pipeline.
	DedupThreshold float64
}

// Service drives approve, reject, and revision on pending drafts.
type Service struct {
	store  Store
	stages Stages
	runner PipelineRunner
	embed  embedding.Provider
	logger *slog.Logger
	cfg    Config
}

func New(store Store, stages Stages, runner PipelineRunner, embed embedding.Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = defaultDedupThreshold
	}
	return &Service{
		store:  store,
		stages: stages,
		runner: runner,
		embed:  embed,
		logger: logger.With("component", "review"),
		cfg:    cfg,
	}
}

// Pending lists drafts awaiting review, each with its article and the
// hydrated claim cards it cites. The returned total counts all
// pending topics, for pagination.
func (s *Service) Pending(ctx context.Context, limit, offset int) ([]model.PendingReview, int, error) {
	topics, total, err := s.store.ListTopics(ctx, "", string(model.ReviewPending), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("review: list pending topics: %w", err)
	}

	reviews := make([]model.PendingReview, 0, len(topics))
	for _, topic := range topics {
		if topic.BlogPostID == nil {
			continue
		}
		post, err := s.store.GetBlogPost(ctx, *topic.BlogPostID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, 0, fmt.Errorf("review: load blog post: %w", err)
			}
			s.logger.Warn("pending topic references missing blog post",
				"topic_id", topic.ID, "blog_post_id", *topic.BlogPostID)
			continue
		}
		reviews = append(reviews, model.PendingReview{
			Topic:      topic,
			BlogPost:   post,
			ClaimCards: s.loadCards(ctx, post.ClaimCardIDs),
		})
	}
	return reviews, total, nil
}

// Approve publishes the draft and marks the topic approved. The
// article becomes publicly visible.
func (s *Service) Approve(ctx context.Context, topicID uuid.UUID, req model.ReviewApproveRequest) (model.BlogPost, error) {
	topic, err := s.pendingTopic(ctx, topicID)
	if err != nil {
		return model.BlogPost{}, err
	}
	if topic.BlogPostID == nil {
		return model.BlogPost{}, fmt.Errorf("review: topic %s has no blog post: %w", topicID, storage.ErrConflict)
	}

	if err := s.store.PublishBlogPost(ctx, *topic.BlogPostID, req.ReviewedBy, req.ReviewNotes); err != nil {
		return model.BlogPost{}, fmt.Errorf("review: publish: %w", err)
	}
	if err := s.store.SetTopicReview(ctx, topicID, model.ReviewApproved, nil); err != nil {
		return model.BlogPost{}, fmt.Errorf("review: mark approved: %w", err)
	}

	post, err := s.store.GetBlogPost(ctx, *topic.BlogPostID)
	if err != nil {
		return model.BlogPost{}, fmt.Errorf("review: reload blog post: %w", err)
	}
	s.logger.Info("blog post approved and published",
		"topic_id", topicID, "blog_post_id", post.ID, "reviewed_by", req.ReviewedBy)
	return post, nil
}

// Reject marks the topic rejected. The blog post stays unpublished;
// the component claim cards remain in the library and in Audits.
func (s *Service) Reject(ctx context.Context, topicID uuid.UUID, req model.ReviewRejectRequest) error {
	if strings.TrimSpace(req.Feedback) == "" {
		return fmt.Errorf("review: feedback is required")
	}
	topic, err := s.pendingTopic(ctx, topicID)
	if err != nil {
		return err
	}

	if topic.BlogPostID != nil {
		notes := "REJECTED: " + req.Feedback
		if err := s.store.SetBlogReviewNotes(ctx, *topic.BlogPostID, req.ReviewedBy, notes); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("review: record rejection: %w", err)
			}
			s.logger.Warn("rejected topic references missing blog post",
				"topic_id", topicID, "blog_post_id", *topic.BlogPostID)
		}
	}
	if err := s.store.SetTopicReview(ctx, topicID, model.ReviewRejected, &req.Feedback); err != nil {
		return fmt.Errorf("review: mark rejected: %w", err)
	}
	s.logger.Info("blog post rejected", "topic_id", topicID, "reviewed_by", req.ReviewedBy)
	return nil
}

// RequestRevision records the feedback, re-runs the requested slice
// of the generation, swaps the result into the draft, and returns the
// topic to pending_review. A failed re-run marks the topic failed
// with the cause.
func (s *Service) RequestRevision(ctx context.Context, topicID uuid.UUID, req model.ReviewRevisionRequest) (model.RevisionResult, error) {
	if err := req.Validate(); err != nil {
		return model.RevisionResult{}, fmt.Errorf("review: %w", err)
	}
	topic, err := s.pendingTopic(ctx, topicID)
	if err != nil {
		return model.RevisionResult{}, err
	}
	if topic.BlogPostID == nil {
		return model.RevisionResult{}, fmt.Errorf("review: topic %s has no blog post: %w", topicID, storage.ErrConflict)
	}
	post, err := s.store.GetBlogPost(ctx, *topic.BlogPostID)
	if err != nil {
		return model.RevisionResult{}, fmt.Errorf("review: load blog post: %w", err)
	}
	if req.Scope == model.RevisionScopeClaimPipeline {
		inArticle := make(map[uuid.UUID]bool, len(post.ClaimCardIDs))
		for _, id := range post.ClaimCardIDs {
			inArticle[id] = true
		}
		for _, id := range req.ClaimCardIDs {
			if !inArticle[id] {
				return model.RevisionResult{}, fmt.Errorf("review: claim card %s is not part of this article", id)
			}
		}
	}

	// Record the request before running anything so the feedback
	// survives a crash mid-revision.
	if err := s.store.SetTopicReview(ctx, topicID, model.ReviewNeedsRevision, &req.Feedback); err != nil {
		return model.RevisionResult{}, fmt.Errorf("review: mark needs_revision: %w", err)
	}
	notes := fmt.Sprintf("REVISION REQUESTED (%s): %s", req.Scope, req.Feedback)
	if err := s.store.SetBlogReviewNotes(ctx, post.ID, req.ReviewedBy, notes); err != nil {
		return model.RevisionResult{}, fmt.Errorf("review: record revision request: %w", err)
	}
	s.logger.Info("revision requested",
		"topic_id", topicID, "scope", req.Scope, "reviewed_by", req.ReviewedBy)

	var result model.RevisionResult
	switch req.Scope {
	case model.RevisionScopeDecomposer:
		result, err = s.rerunDecomposer(ctx, topic, post, req.Feedback)
	case model.RevisionScopeClaimPipeline:
		result, err = s.rerunClaims(ctx, topic, post, req.ClaimCardIDs)
	case model.RevisionScopeComposer:
		result, err = s.rerunComposer(ctx, topic, post)
	}
	if err != nil {
		s.failTopic(ctx, topicID, fmt.Errorf("revision failed (%s): %w", req.Scope, err))
		return model.RevisionResult{}, fmt.Errorf("review: %w", err)
	}

	result.TopicID = topicID
	result.Scope = req.Scope
	return result, nil
}

// rerunDecomposer regenerates the whole article: new component
// claims, dedup against the library, pipeline runs for novel claims,
// recompose.
func (s *Service) rerunDecomposer(ctx context.Context, topic model.TopicQueueEntry, post model.BlogPost, feedback string) (model.RevisionResult, error) {
	dec, err := s.stages.Decompose(ctx, topic.TopicText, feedback)
	if err != nil {
		return model.RevisionResult{}, fmt.Errorf("decompose topic: %w", err)
	}
	s.logger.Info("topic re-decomposed", "topic_id", topic.ID, "component_claims", len(dec.ComponentClaims))

	ids := make([]uuid.UUID, 0, len(dec.ComponentClaims))
	cards := make([]model.ClaimCard, 0, len(dec.ComponentClaims))
	for _, claim := range dec.ComponentClaims {
		card, ok := s.findExisting(ctx, claim, ids)
		if !ok {
			card, err = s.runner.Run(ctx, claim, "")
			if err != nil {
				return model.RevisionResult{}, fmt.Errorf("audit claim %q: %w", claim, err)
			}
		}
		ids = append(ids, card.ID)
		cards = append(cards, card)
	}

	return s.recompose(ctx, topic, post, ids, cards)
}

// rerunClaims regenerates the requested claim cards through the
// pipeline, keeps the rest, and recomposes. Membership of regenIDs in
// the article was validated before the revision was recorded.
func (s *Service) rerunClaims(ctx context.Context, topic model.TopicQueueEntry, post model.BlogPost, regenIDs []uuid.UUID) (model.RevisionResult, error) {
	regen := make(map[uuid.UUID]bool, len(regenIDs))
	for _, id := range regenIDs {
		regen[id] = true
	}

	ids := make([]uuid.UUID, 0, len(post.ClaimCardIDs))
	cards := make([]model.ClaimCard, 0, len(post.ClaimCardIDs))
	seen := make(map[uuid.UUID]bool, len(post.ClaimCardIDs))
	for _, id := range post.ClaimCardIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		if regen[id] {
			old, err := s.store.GetClaimCard(ctx, id)
			if err != nil {
				return model.RevisionResult{}, fmt.Errorf("load claim card %s for regeneration: %w", id, err)
			}
			fresh, err := s.runner.Run(ctx, old.ClaimText, "")
			if err != nil {
				return model.RevisionResult{}, fmt.Errorf("audit claim %q: %w", old.ClaimText, err)
			}
			ids = append(ids, fresh.ID)
			cards = append(cards, fresh)
			continue
		}

		card, err := s.store.GetClaimCard(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return model.RevisionResult{}, fmt.Errorf("load claim card %s: %w", id, err)
			}
			s.logger.Warn("article references missing claim card, dropping", "claim_card_id", id)
			continue
		}
		ids = append(ids, card.ID)
		cards = append(cards, card)
	}

	result, err := s.recompose(ctx, topic, post, ids, cards)
	if err != nil {
		return model.RevisionResult{}, err
	}
	result.Regenerated = len(regen)
	return result, nil
}

// rerunComposer rewrites the article from the existing claim cards.
// The card set is unchanged.
func (s *Service) rerunComposer(ctx context.Context, topic model.TopicQueueEntry, post model.BlogPost) (model.RevisionResult, error) {
	cards := s.loadCards(ctx, post.ClaimCardIDs)
	return s.recompose(ctx, topic, post, post.ClaimCardIDs, cards)
}

// recompose runs the composer over the card set and swaps the result
// into the draft, returning the topic to pending_review.
func (s *Service) recompose(ctx context.Context, topic model.TopicQueueEntry, post model.BlogPost, ids []uuid.UUID, cards []model.ClaimCard) (model.RevisionResult, error) {
	art, err := s.stages.Compose(ctx, topic.TopicText, cards)
	if err != nil {
		return model.RevisionResult{}, fmt.Errorf("compose article: %w", err)
	}
	if err := s.store.ReplaceBlogContent(ctx, post.ID, art.Title, art.ArticleBody, ids); err != nil {
		return model.RevisionResult{}, fmt.Errorf("update blog post: %w", err)
	}
	if err := s.store.CompleteTopic(ctx, topic.ID, ids, &post.ID); err != nil {
		return model.RevisionResult{}, fmt.Errorf("return topic to review: %w", err)
	}
	s.logger.Info("revision complete, awaiting re-review",
		"topic_id", topic.ID, "blog_post_id", post.ID, "claim_cards", len(ids))
	return model.RevisionResult{
		ClaimCards: len(ids),
		WordCount:  len(strings.Fields(art.ArticleBody)),
		Title:      art.Title,
	}, nil
}

// findExisting searches for a reusable card outside the in-flight
// batch. Embedding or search failures are treated as nothing found so
// a flaky dedup costs a duplicate pipeline run, not the revision.
func (s *Service) findExisting(ctx context.Context, claim string, batch []uuid.UUID) (model.ClaimCard, bool) {
	vec, err := s.embed.Embed(ctx, claim)
	if err != nil {
		s.logger.Warn("dedup embedding failed, treating claim as novel", "error", err)
		return model.ClaimCard{}, false
	}
	if embedding.IsZero(vec) {
		return model.ClaimCard{}, false
	}
	results, err := s.store.SearchClaimsByEmbedding(ctx, vec, s.cfg.DedupThreshold, dedupSearchLimit)
	if err != nil {
		s.logger.Warn("dedup search failed, treating claim as novel", "error", err)
		return model.ClaimCard{}, false
	}

	inBatch := make(map[uuid.UUID]bool, len(batch))
	for _, id := range batch {
		inBatch[id] = true
	}
	for _, r := range results {
		if inBatch[r.Card.ID] {
			continue
		}
		card, err := s.store.GetClaimCard(ctx, r.Card.ID)
		if err != nil {
			s.logger.Warn("reused card hydration failed, using search row", "claim_card_id", r.Card.ID, "error", err)
			return r.Card, true
		}
		return card, true
	}
	return model.ClaimCard{}, false
}

// loadCards hydrates claim cards in citation order, deduplicating IDs
// and skipping any that no longer exist.
func (s *Service) loadCards(ctx context.Context, ids []uuid.UUID) []model.ClaimCard {
	cards := make([]model.ClaimCard, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		card, err := s.store.GetClaimCard(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("load claim card failed", "claim_card_id", id, "error", err)
			}
			continue
		}
		cards = append(cards, card)
	}
	return cards
}

// pendingTopic loads the topic and checks it is actually awaiting
// review. State violations wrap ErrConflict so handlers map them to
// 409 rather than 500.
func (s *Service) pendingTopic(ctx context.Context, topicID uuid.UUID) (model.TopicQueueEntry, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return model.TopicQueueEntry{}, fmt.Errorf("review: load topic: %w", err)
	}
	if topic.ReviewStatus != model.ReviewPending {
		return model.TopicQueueEntry{}, fmt.Errorf("review: topic must be pending_review (current %q): %w",
			topic.ReviewStatus, storage.ErrConflict)
	}
	return topic, nil
}

// failTopic records a revision failure on the topic row. The write
// uses a detached context so a dying request cannot strand the topic.
func (s *Service) failTopic(ctx context.Context, topicID uuid.UUID, cause error) {
	s.logger.Error("revision failed", "topic_id", topicID, "error", cause)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.FailTopic(writeCtx, topicID, cause.Error()); err != nil {
		s.logger.Error("marking topic failed also failed", "topic_id", topicID, "error", err)
	}
}
