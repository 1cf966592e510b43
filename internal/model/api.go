package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request size limits for the chat endpoints. These bound what a single
// caller can push into the context analyzer and the embedding pipeline.
const (
	MaxQuestionLen         = 2000
	MaxConversationHistory = 50
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURL ensures a source URL is a safe, publicly-routable
// http/https URL. Rejects javascript: and file: schemes (XSS via the
// published audit pages), credentials embedded in the URL, and
// private/loopback addresses (SSRF surface for the URL checker).
func ValidateSourceURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source URL must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source URL must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source URL must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source URL must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("source URL must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ChatAskRequest is the request body for POST /chat/ask.
type ChatAskRequest struct {
	Question            string        `json:"question"`
	ConversationHistory []ChatMessage `json:"conversation_history,omitempty"`
}

// Validate enforces the chat request limits before any LLM call happens.
func (r *ChatAskRequest) Validate() error {
	q := strings.TrimSpace(r.Question)
	if q == "" {
		return fmt.Errorf("question is required")
	}
	if len(r.Question) > MaxQuestionLen {
		return fmt.Errorf("question exceeds maximum length of %d characters", MaxQuestionLen)
	}
	if len(r.ConversationHistory) > MaxConversationHistory {
		return fmt.Errorf("conversation_history exceeds maximum of %d messages", MaxConversationHistory)
	}
	for i, m := range r.ConversationHistory {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("conversation_history[%d].role must be %q or %q (got %q)", i, RoleUser, RoleAssistant, m.Role)
		}
	}
	return nil
}

// ChatAskResponse is the response for POST /chat/ask.
type ChatAskResponse struct {
	Mode               RoutingMode `json:"mode"`
	Response           any         `json:"response"`
	RoutingDecisionID  *uuid.UUID  `json:"routing_decision_id,omitempty"`
	WebsocketSessionID *string     `json:"websocket_session_id,omitempty"`
}

// ChatMessageRequest is the request body for POST /chat/message, the
// simpler single-shot endpoint that bypasses the router.
type ChatMessageRequest struct {
	Message             string        `json:"message"`
	ConversationHistory []ChatMessage `json:"conversation_history,omitempty"`
}

// Validate applies the same limits as the /chat/ask endpoint.
func (r *ChatMessageRequest) Validate() error {
	ask := ChatAskRequest{Question: r.Message, ConversationHistory: r.ConversationHistory}
	if err := ask.Validate(); err != nil {
		return fmt.Errorf("%s", strings.Replace(err.Error(), "question", "message", 1))
	}
	return nil
}

// ExistingCardResponse is the /chat/message payload when semantic
// search finds a card close enough to reuse.
type ExistingCardResponse struct {
	Type                   string    `json:"type"` // always "existing"
	ContextualizedQuestion string    `json:"contextualized_question"`
	ClaimCard              ClaimCard `json:"claim_card"`
}

// ExactMatchResponse returns a cached card the router matched with
// high confidence.
type ExactMatchResponse struct {
	Type      string    `json:"type"` // always "exact_match"
	ClaimCard ClaimCard `json:"claim_card"`
}

// ContextualResponse carries an answer synthesized from existing cards
// plus the cards it drew on.
type ContextualResponse struct {
	Type                string      `json:"type"` // always "contextual"
	SynthesizedResponse string      `json:"synthesized_response"`
	SourceCards         []ClaimCard `json:"source_cards"`
}

// GeneratingResponse is returned when a question falls through to the
// background pipeline instead of an existing claim card.
type GeneratingResponse struct {
	Type                   string  `json:"type"` // always "generating"
	Message                string  `json:"message"`
	PipelineStatus         string  `json:"pipeline_status"` // "queued"
	WebsocketSessionID     string  `json:"websocket_session_id"`
	ContextualizedQuestion string  `json:"contextualized_question,omitempty"`
	EstimatedSeconds       int     `json:"estimated_seconds,omitempty"`
	TopicID                *string `json:"topic_id,omitempty"`
}

// TopicCreateRequest is the request body for POST /admin/topics.
type TopicCreateRequest struct {
	TopicText string `json:"topic_text"`
	Priority  int    `json:"priority,omitempty"`
}

// Validate checks the admin-supplied topic fields.
func (r *TopicCreateRequest) Validate() error {
	if strings.TrimSpace(r.TopicText) == "" {
		return fmt.Errorf("topic_text is required")
	}
	return nil
}

// TopicUpdateRequest is the request body for PATCH /admin/topics/{id}.
type TopicUpdateRequest struct {
	TopicText *string `json:"topic_text,omitempty"`
	Priority  *int    `json:"priority,omitempty"`
	Status    *string `json:"status,omitempty"`
}

// ReviewApproveRequest is the request body for POST /admin/reviews/{topic_id}/approve.
type ReviewApproveRequest struct {
	ReviewedBy  string `json:"reviewed_by,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
}

// ReviewRejectRequest is the request body for POST /admin/reviews/{topic_id}/reject.
type ReviewRejectRequest struct {
	Feedback   string `json:"feedback"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
}

// Revision scopes accepted by the revision endpoint. Each re-runs a
// different suffix of the scheduled-post pipeline.
const (
	RevisionScopeDecomposer    = "decomposer"
	RevisionScopeClaimPipeline = "claim_pipeline"
	RevisionScopeComposer      = "composer"
)

// ReviewRevisionRequest is the request body for POST /admin/reviews/{topic_id}/revision.
type ReviewRevisionRequest struct {
	Scope        string      `json:"scope"`
	Feedback     string      `json:"feedback"`
	ClaimCardIDs []uuid.UUID `json:"claim_card_ids,omitempty"` // claim_pipeline scope only
	ReviewedBy   string      `json:"reviewed_by,omitempty"`
}

// Validate checks scope membership and the scope-specific fields.
func (r *ReviewRevisionRequest) Validate() error {
	switch r.Scope {
	case RevisionScopeDecomposer, RevisionScopeClaimPipeline, RevisionScopeComposer:
	default:
		return fmt.Errorf("scope must be one of %q, %q, %q (got %q)",
			RevisionScopeDecomposer, RevisionScopeClaimPipeline, RevisionScopeComposer, r.Scope)
	}
	if strings.TrimSpace(r.Feedback) == "" {
		return fmt.Errorf("feedback is required")
	}
	if r.Scope == RevisionScopeClaimPipeline && len(r.ClaimCardIDs) == 0 {
		return fmt.Errorf("claim_card_ids is required for scope %q", RevisionScopeClaimPipeline)
	}
	return nil
}

// PendingReview pairs a completed topic with its draft article and the
// hydrated claim cards the article cites.
type PendingReview struct {
	Topic      TopicQueueEntry `json:"topic"`
	BlogPost   BlogPost        `json:"blog_post"`
	ClaimCards []ClaimCard     `json:"claim_cards"`
}

// RevisionResult reports what a revision re-run produced. The draft
// returns to pending_review for another pass.
type RevisionResult struct {
	TopicID     uuid.UUID `json:"topic_id"`
	Scope       string    `json:"scope"`
	ClaimCards  int       `json:"claim_cards"`
	Regenerated int       `json:"regenerated,omitempty"`
	WordCount   int       `json:"word_count"`
	Title       string    `json:"title"`
}

// SchedulerSettings is the admin-editable scheduler configuration,
// read and written at /admin/scheduler/settings.
type SchedulerSettings struct {
	Enabled       bool       `json:"enabled"`
	PostTime      string     `json:"post_time"` // "HH:MM", 24-hour UTC
	PostsPerDay   int        `json:"posts_per_day"`
	MaxConcurrent int        `json:"max_concurrent"`
	RequireReview bool       `json:"require_review"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
}

// Validate checks the admin-supplied scheduler fields.
func (s *SchedulerSettings) Validate() error {
	if _, err := time.Parse("15:04", s.PostTime); err != nil {
		return fmt.Errorf("post_time must be HH:MM in 24-hour form (got %q)", s.PostTime)
	}
	if s.PostsPerDay < 0 {
		return fmt.Errorf("posts_per_day must be non-negative (got %d)", s.PostsPerDay)
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1 (got %d)", s.MaxConcurrent)
	}
	return nil
}

// AutosuggestSettings is the admin-editable topic auto-suggest
// configuration, read and written at /admin/autosuggest/settings.
type AutosuggestSettings struct {
	Enabled             bool       `json:"enabled"`
	TopicsPerRun        int        `json:"topics_per_run"`
	SimilarityThreshold float64    `json:"similarity_threshold"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
}

// Validate checks the admin-supplied auto-suggest fields.
func (s *AutosuggestSettings) Validate() error {
	if s.TopicsPerRun < 1 {
		return fmt.Errorf("topics_per_run must be at least 1 (got %d)", s.TopicsPerRun)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0, 1] (got %g)", s.SimilarityThreshold)
	}
	return nil
}

// AutosuggestRunRequest is the request body for POST
// /admin/autosuggest/run. Callers supply either source text pasted
// from apologetics content or a search query to fetch such content
// from the web.
type AutosuggestRunRequest struct {
	SourceText string `json:"source_text,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
	Query      string `json:"query,omitempty"`
}

// Validate requires exactly one input mode.
func (r *AutosuggestRunRequest) Validate() error {
	hasText := strings.TrimSpace(r.SourceText) != ""
	hasQuery := strings.TrimSpace(r.Query) != ""
	if !hasText && !hasQuery {
		return fmt.Errorf("source_text or query is required")
	}
	if hasText && hasQuery {
		return fmt.Errorf("source_text and query are mutually exclusive")
	}
	return nil
}

// AutosuggestRunResult summarizes one auto-suggest run.
type AutosuggestRunResult struct {
	Added             int `json:"added"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	Failed            int `json:"failed"`
	TotalProcessed    int `json:"total_processed"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DatabaseResetRequest is the request body for POST /admin/database/reset.
// Confirm must equal "RESET" exactly; anything else is rejected before a
// single row is touched.
type DatabaseResetRequest struct {
	Confirm string `json:"confirm"`
}

// DatabaseResetResponse reports what a reset removed and what it kept.
type DatabaseResetResponse struct {
	Deleted   map[string]int `json:"deleted"`
	Preserved []string       `json:"preserved"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// PublicMetrics is the response for GET /public/metrics: aggregate
// counts shown on the public site.
type PublicMetrics struct {
	TotalClaims     int            `json:"total_claims"`
	VerdictCounts   map[string]int `json:"verdict_counts"`
	TotalSources    int            `json:"total_sources"`
	VerifiedSources int            `json:"verified_sources"`
	PublishedPosts  int            `json:"published_posts"`
}
