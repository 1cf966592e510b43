package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thereceipts/receipts/internal/model"
)

const topicColumns = `id, topic_text, priority, status, review_status, source, claim_card_ids,
	 blog_post_id, error_message, retry_count, admin_feedback, reviewed_at, created_at, updated_at`

// CreateTopic inserts a topic queue entry and returns it.
func (db *DB) CreateTopic(ctx context.Context, t model.TopicQueueEntry) (model.TopicQueueEntry, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TopicQueued
	}
	if t.ReviewStatus == "" {
		t.ReviewStatus = model.ReviewPending
	}
	if t.Source == "" {
		t.Source = "manual"
	}
	t.Priority = model.ClampPriority(t.Priority)
	if t.ClaimCardIDs == nil {
		t.ClaimCardIDs = []uuid.UUID{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO topic_queue (id, topic_text, priority, status, review_status, source,
		 claim_card_ids, blog_post_id, error_message, retry_count, admin_feedback, reviewed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.TopicText, t.Priority, t.Status, t.ReviewStatus, t.Source,
		t.ClaimCardIDs, t.BlogPostID, t.ErrorMessage, t.RetryCount, t.AdminFeedback, t.ReviewedAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.TopicQueueEntry{}, fmt.Errorf("storage: create topic: %w", err)
	}
	return t, nil
}

// GetTopic retrieves a topic queue entry by ID.
func (db *DB) GetTopic(ctx context.Context, id uuid.UUID) (model.TopicQueueEntry, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+topicColumns+` FROM topic_queue WHERE id = $1`, id)
	t, err := scanTopic(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TopicQueueEntry{}, fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
		}
		return model.TopicQueueEntry{}, fmt.Errorf("storage: get topic: %w", err)
	}
	return t, nil
}

// ListTopics returns topic queue entries, optionally filtered by status
// and/or review status, highest priority first within newest first.
func (db *DB) ListTopics(ctx context.Context, status, reviewStatus string, limit, offset int) ([]model.TopicQueueEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	idx := 1
	if status != "" {
		where = fmt.Sprintf(" WHERE status = $%d", idx)
		args = append(args, status)
		idx++
	}
	if reviewStatus != "" {
		if where == "" {
			where = fmt.Sprintf(" WHERE review_status = $%d", idx)
		} else {
			where += fmt.Sprintf(" AND review_status = $%d", idx)
		}
		args = append(args, reviewStatus)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM topic_queue"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count topics: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM topic_queue%s ORDER BY priority DESC, created_at DESC LIMIT %d OFFSET %d`,
		topicColumns, where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list topics: %w", err)
	}
	defer rows.Close()

	var topics []model.TopicQueueEntry
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, total, rows.Err()
}

// UpdateTopicFields applies the admin-editable fields. Nil pointers
// leave the column unchanged.
func (db *DB) UpdateTopicFields(ctx context.Context, id uuid.UUID, text *string, priority *int, status *model.TopicStatus) (model.TopicQueueEntry, error) {
	if priority != nil {
		p := model.ClampPriority(*priority)
		priority = &p
	}
	row := db.pool.QueryRow(ctx,
		`UPDATE topic_queue SET
		 topic_text = COALESCE($2, topic_text),
		 priority = COALESCE($3, priority),
		 status = COALESCE($4, status),
		 updated_at = now()
		 WHERE id = $1
		 RETURNING `+topicColumns,
		id, text, priority, status,
	)
	t, err := scanTopic(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TopicQueueEntry{}, fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
		}
		return model.TopicQueueEntry{}, fmt.Errorf("storage: update topic: %w", err)
	}
	return t, nil
}

// DeleteTopic removes a topic queue entry.
func (db *DB) DeleteTopic(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM topic_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
	}
	return nil
}

// LeaseQueuedTopics atomically moves up to n queued topics to processing
// and returns them, highest priority first. FOR UPDATE SKIP LOCKED makes
// concurrent scheduler runs lease disjoint sets, so a topic is never
// processed twice.
func (db *DB) LeaseQueuedTopics(ctx context.Context, n int) ([]model.TopicQueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`UPDATE topic_queue SET status = 'processing', updated_at = now()
		 WHERE id IN (
		     SELECT id FROM topic_queue
		     WHERE status = 'queued'
		     ORDER BY priority DESC, created_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+topicColumns,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lease topics: %w", err)
	}
	defer rows.Close()

	var topics []model.TopicQueueEntry
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan leased topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// LeaseTopic moves one specific topic from queued to processing.
// Returns ErrConflict when the topic exists but is not queued.
func (db *DB) LeaseTopic(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE topic_queue SET status = 'processing', updated_at = now()
		 WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("storage: lease topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetTopic(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: topic %s not queued: %w", id, ErrConflict)
	}
	return nil
}

// SetTopicStatus updates only the processing status.
func (db *DB) SetTopicStatus(ctx context.Context, id uuid.UUID, status model.TopicStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE topic_queue SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("storage: set topic status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteTopic marks a topic completed and pending review, recording
// the claim cards and blog post the run produced.
func (db *DB) CompleteTopic(ctx context.Context, id uuid.UUID, claimCardIDs []uuid.UUID, blogPostID *uuid.UUID) error {
	if claimCardIDs == nil {
		claimCardIDs = []uuid.UUID{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE topic_queue SET
		 status = 'completed',
		 review_status = 'pending_review',
		 claim_card_ids = $2,
		 blog_post_id = $3,
		 error_message = NULL,
		 updated_at = now()
		 WHERE id = $1`,
		id, claimCardIDs, blogPostID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailTopic marks a topic failed with the given error message and bumps
// the retry counter.
func (db *DB) FailTopic(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE topic_queue SET
		 status = 'failed',
		 error_message = $2,
		 retry_count = retry_count + 1,
		 updated_at = now()
		 WHERE id = $1`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: fail topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTopicReview records a review decision: the new review status, the
// admin's feedback (may be nil to keep the existing value), and the
// review timestamp.
func (db *DB) SetTopicReview(ctx context.Context, id uuid.UUID, status model.ReviewStatus, feedback *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE topic_queue SET
		 review_status = $2,
		 admin_feedback = COALESCE($3, admin_feedback),
		 reviewed_at = now(),
		 updated_at = now()
		 WHERE id = $1`,
		id, status, feedback,
	)
	if err != nil {
		return fmt.Errorf("storage: set topic review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: topic %s: %w", id, ErrNotFound)
	}
	return nil
}

// TopicTextExists reports whether an active (queued or processing) topic
// already carries this text, case-insensitively. Used by auto-suggest to
// avoid queueing the same topic twice.
func (db *DB) TopicTextExists(ctx context.Context, text string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
		     SELECT 1 FROM topic_queue
		     WHERE lower(topic_text) = lower($1) AND status IN ('queued', 'processing')
		 )`, text).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check topic text: %w", err)
	}
	return exists, nil
}

// scanTopic reads one topic row from either a pgx.Row or pgx.Rows.
func scanTopic(row pgx.Row) (model.TopicQueueEntry, error) {
	var t model.TopicQueueEntry
	err := row.Scan(
		&t.ID, &t.TopicText, &t.Priority, &t.Status, &t.ReviewStatus, &t.Source,
		&t.ClaimCardIDs, &t.BlogPostID, &t.ErrorMessage, &t.RetryCount,
		&t.AdminFeedback, &t.ReviewedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
