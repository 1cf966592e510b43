package storage

import (
	"context"
	"fmt"
)

// ResetResult contains the count of rows deleted per table.
type ResetResult struct {
	RouterDecisions int64 `json:"router_decisions"`
	BlogPosts       int64 `json:"blog_posts"`
	Sources         int64 `json:"sources"`
	ApologeticsTags int64 `json:"apologetics_tags"`
	CategoryTags    int64 `json:"category_tags"`
	ClaimCards      int64 `json:"claim_cards"`
	TopicQueue      int64 `json:"topic_queue"`
}

// PreservedTables lists what a reset never touches: the agent
// configuration, the verified source library, and the admin settings.
var PreservedTables = []string{"agent_prompts", "verified_sources", "app_settings"}

// Deleted flattens the result into a table-name -> count map for the
// reset response.
func (r ResetResult) Deleted() map[string]int {
	return map[string]int{
		"router_decisions": int(r.RouterDecisions),
		"blog_posts":       int(r.BlogPosts),
		"sources":          int(r.Sources),
		"apologetics_tags": int(r.ApologeticsTags),
		"category_tags":    int(r.CategoryTags),
		"claim_cards":      int(r.ClaimCards),
		"topic_queue":      int(r.TopicQueue),
	}
}

// ResetContent removes all generated content in a single transaction,
// respecting foreign key ordering: the routing log and blog posts first,
// then claim card children, claim cards, and finally the topic queue.
// Agent prompts, the verified source library, and app settings survive.
func (db *DB) ResetContent(ctx context.Context) (ResetResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result ResetResult

	// Queue search index deletions before the rows disappear, so the
	// outbox worker can clear Qdrant. Pending upserts are dropped: the
	// cards they point at are about to go away.
	if db.syncSearch {
		if _, err := tx.Exec(ctx, `DELETE FROM search_outbox WHERE operation = 'upsert'`); err != nil {
			return ResetResult{}, fmt.Errorf("storage: drop pending upserts: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (claim_card_id, operation)
			 SELECT id, 'delete' FROM claim_cards
			 ON CONFLICT (claim_card_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		); err != nil {
			return ResetResult{}, fmt.Errorf("storage: queue search deletes: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM router_decisions`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset router decisions: %w", err)
	}
	result.RouterDecisions = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM blog_posts`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset blog posts: %w", err)
	}
	result.BlogPosts = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM sources`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset sources: %w", err)
	}
	result.Sources = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM apologetics_tags`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset apologetics tags: %w", err)
	}
	result.ApologeticsTags = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM category_tags`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset category tags: %w", err)
	}
	result.CategoryTags = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM claim_cards`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset claim cards: %w", err)
	}
	result.ClaimCards = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM topic_queue`)
	if err != nil {
		return ResetResult{}, fmt.Errorf("storage: reset topic queue: %w", err)
	}
	result.TopicQueue = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return ResetResult{}, fmt.Errorf("storage: commit reset tx: %w", err)
	}
	return result, nil
}
