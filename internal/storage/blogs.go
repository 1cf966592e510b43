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

const blogColumns = `id, topic_queue_id, title, article_body, claim_card_ids,
	 published_at, reviewed_by, review_notes, created_at, updated_at`

// CreateBlogPost inserts a blog post and returns it. Posts are created
// unpublished; review approval sets published_at.
func (db *DB) CreateBlogPost(ctx context.Context, p model.BlogPost) (model.BlogPost, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ClaimCardIDs == nil {
		p.ClaimCardIDs = []uuid.UUID{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO blog_posts (id, topic_queue_id, title, article_body, claim_card_ids,
		 published_at, reviewed_by, review_notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.TopicQueueID, p.Title, p.ArticleBody, p.ClaimCardIDs,
		p.PublishedAt, p.ReviewedBy, p.ReviewNotes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.BlogPost{}, fmt.Errorf("storage: create blog post: %w", err)
	}
	return p, nil
}

// GetBlogPost retrieves a blog post by ID.
func (db *DB) GetBlogPost(ctx context.Context, id uuid.UUID) (model.BlogPost, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+blogColumns+` FROM blog_posts WHERE id = $1`, id)
	p, err := scanBlogPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BlogPost{}, fmt.Errorf("storage: blog post %s: %w", id, ErrNotFound)
		}
		return model.BlogPost{}, fmt.Errorf("storage: get blog post: %w", err)
	}
	return p, nil
}

// ListBlogPosts returns blog posts newest first. When publishedOnly is
// set, unpublished drafts are excluded and ordering follows the publish
// date instead of creation.
func (db *DB) ListBlogPosts(ctx context.Context, publishedOnly bool, limit, offset int) ([]model.BlogPost, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	order := "created_at DESC"
	if publishedOnly {
		where = " WHERE published_at IS NOT NULL"
		order = "published_at DESC"
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM blog_posts"+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count blog posts: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM blog_posts%s ORDER BY %s LIMIT %d OFFSET %d`,
		blogColumns, where, order, limit, offset)
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list blog posts: %w", err)
	}
	defer rows.Close()

	var posts []model.BlogPost
	for rows.Next() {
		p, err := scanBlogPost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan blog post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, total, rows.Err()
}

// PublishBlogPost sets published_at, making the post publicly visible,
// and records who approved it.
func (db *DB) PublishBlogPost(ctx context.Context, id uuid.UUID, reviewedBy, reviewNotes string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE blog_posts SET
		 published_at = now(),
		 reviewed_by = NULLIF($2, ''),
		 review_notes = NULLIF($3, ''),
		 updated_at = now()
		 WHERE id = $1`,
		id, reviewedBy, reviewNotes,
	)
	if err != nil {
		return fmt.Errorf("storage: publish blog post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: blog post %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetBlogReviewNotes records reviewer feedback on a draft without
// changing its publication state.
func (db *DB) SetBlogReviewNotes(ctx context.Context, id uuid.UUID, reviewedBy, notes string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE blog_posts SET
		 reviewed_by = NULLIF($2, ''),
		 review_notes = $3,
		 updated_at = now()
		 WHERE id = $1`,
		id, reviewedBy, notes,
	)
	if err != nil {
		return fmt.Errorf("storage: set blog review notes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: blog post %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceBlogContent swaps in a recomposed article. Publication state is
// reset: a revised draft must pass review again before going public.
func (db *DB) ReplaceBlogContent(ctx context.Context, id uuid.UUID, title, body string, claimCardIDs []uuid.UUID) error {
	if claimCardIDs == nil {
		claimCardIDs = []uuid.UUID{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE blog_posts SET
		 title = $2,
		 article_body = $3,
		 claim_card_ids = $4,
		 published_at = NULL,
		 updated_at = now()
		 WHERE id = $1`,
		id, title, body, claimCardIDs,
	)
	if err != nil {
		return fmt.Errorf("storage: replace blog content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: blog post %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountPublishedPosts returns the number of published blog posts.
func (db *DB) CountPublishedPosts(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM blog_posts WHERE published_at IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count published posts: %w", err)
	}
	return n, nil
}

func scanBlogPost(row pgx.Row) (model.BlogPost, error) {
	var p model.BlogPost
	err := row.Scan(
		&p.ID, &p.TopicQueueID, &p.Title, &p.ArticleBody, &p.ClaimCardIDs,
		&p.PublishedAt, &p.ReviewedBy, &p.ReviewNotes, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
