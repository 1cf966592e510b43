package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TopicStatus is the scheduler-facing lifecycle of a queued topic.
type TopicStatus string

const (
	TopicQueued     TopicStatus = "queued"
	TopicProcessing TopicStatus = "processing"
	TopicCompleted  TopicStatus = "completed"
	TopicFailed     TopicStatus = "failed"
)

// Valid reports whether s is a member of the topic status enum.
func (s TopicStatus) Valid() bool {
	switch s {
	case TopicQueued, TopicProcessing, TopicCompleted, TopicFailed:
		return true
	}
	return false
}

// ReviewStatus is the reviewer-facing lifecycle of a generated article.
type ReviewStatus string

const (
	ReviewPending       ReviewStatus = "pending_review"
	ReviewApproved      ReviewStatus = "approved"
	ReviewRejected      ReviewStatus = "rejected"
	ReviewNeedsRevision ReviewStatus = "needs_revision"
)

// Valid reports whether s is a member of the review status enum.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewNeedsRevision:
		return true
	}
	return false
}

// Topic priority bounds. Higher runs first.
const (
	MinTopicPriority = 1
	MaxTopicPriority = 10
)

// TopicQueueEntry is a topic awaiting (or having finished) article generation.
// The queued→processing status transition is the scheduler's exclusive lease.
type TopicQueueEntry struct {
	ID            uuid.UUID    `json:"id"`
	TopicText     string       `json:"topic_text"`
	Priority      int          `json:"priority"`
	Status        TopicStatus  `json:"status"`
	ReviewStatus  ReviewStatus `json:"review_status"`
	Source        string       `json:"source"`
	ClaimCardIDs  []uuid.UUID  `json:"claim_card_ids"`
	BlogPostID    *uuid.UUID   `json:"blog_post_id,omitempty"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	RetryCount    int          `json:"retry_count"`
	AdminFeedback *string      `json:"admin_feedback,omitempty"`
	ReviewedAt    *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Validate checks the creation-time invariants.
func (t *TopicQueueEntry) Validate() error {
	if t.TopicText == "" {
		return fmt.Errorf("topic_text is required")
	}
	if t.Priority < MinTopicPriority || t.Priority > MaxTopicPriority {
		return fmt.Errorf("priority must be between %d and %d (got %d)", MinTopicPriority, MaxTopicPriority, t.Priority)
	}
	return nil
}

// ClampPriority forces p into the valid priority range.
func ClampPriority(p int) int {
	if p < MinTopicPriority {
		return MinTopicPriority
	}
	if p > MaxTopicPriority {
		return MaxTopicPriority
	}
	return p
}
