package model

import (
	"time"

	"github.com/google/uuid"
)

// Article length bounds enforced on composer output, in words.
const (
	MinArticleWords = 500
	MaxArticleWords = 1500

	// The composer occasionally lands just outside the target band;
	// validators tolerate this much drift before rejecting the article.
	ArticleWordSlack = 100
)

// BlogPost is a composed article synthesized from component claim cards.
// It stays invisible to the public read surface until published_at is set
// by an approving reviewer.
type BlogPost struct {
	ID           uuid.UUID   `json:"id"`
	TopicQueueID *uuid.UUID  `json:"topic_queue_id,omitempty"`
	Title        string      `json:"title"`
	ArticleBody  string      `json:"article_body"`
	ClaimCardIDs []uuid.UUID `json:"claim_card_ids"`
	PublishedAt  *time.Time  `json:"published_at,omitempty"`
	ReviewedBy   *string     `json:"reviewed_by,omitempty"`
	ReviewNotes  *string     `json:"review_notes,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Published reports whether the post is visible on the public read surface.
func (b *BlogPost) Published() bool {
	return b.PublishedAt != nil
}
