package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
)

const defaultTopicPageSize = 20

// HandleCreateTopic handles POST /admin/topics: enqueue a topic for the
// scheduled article generator.
func (h *Handlers) HandleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req model.TopicCreateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exists, err := h.db.TopicTextExists(r.Context(), strings.TrimSpace(req.TopicText))
	if err != nil {
		h.logger.Error("topic dedup check", "error", err)
		writeStorageError(w, r, err)
		return
	}
	if exists {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "an identical topic is already queued")
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	topic, err := h.db.CreateTopic(r.Context(), model.TopicQueueEntry{
		TopicText: strings.TrimSpace(req.TopicText),
		Priority:  model.ClampPriority(priority),
		Source:    "admin",
	})
	if err != nil {
		h.logger.Error("create topic", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, topic)
}

// HandleListTopics handles GET /admin/topics with optional ?status= and
// ?review_status= filters.
func (h *Handlers) HandleListTopics(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultTopicPageSize)
	offset := queryOffset(r)

	status := r.URL.Query().Get("status")
	if status != "" && !model.TopicStatus(status).Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
		return
	}
	reviewStatus := r.URL.Query().Get("review_status")
	if reviewStatus != "" && !model.ReviewStatus(reviewStatus).Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review_status filter")
		return
	}

	topics, total, err := h.db.ListTopics(r.Context(), status, reviewStatus, limit, offset)
	if err != nil {
		h.logger.Error("list topics", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, topics, total, limit, offset)
}

// HandleGetTopic handles GET /admin/topics/{id}.
func (h *Handlers) HandleGetTopic(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	topic, err := h.db.GetTopic(r.Context(), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, topic)
}

// HandleUpdateTopic handles PATCH /admin/topics/{id}. Text and priority
// edits apply to any topic; the status field only supports requeueing a
// failed topic after the operator has addressed the error.
func (h *Handlers) HandleUpdateTopic(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	var req model.TopicUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var status *model.TopicStatus
	if req.Status != nil {
		s := model.TopicStatus(*req.Status)
		if s != model.TopicQueued {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"status can only be set to \"queued\" (requeue)")
			return
		}
		status = &s
	}
	if req.Priority != nil {
		p := model.ClampPriority(*req.Priority)
		req.Priority = &p
	}

	topic, err := h.db.UpdateTopicFields(r.Context(), id, req.TopicText, req.Priority, status)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, topic)
}

// HandleDeleteTopic handles DELETE /admin/topics/{id}. The topic's blog
// post survives with a nulled back-reference; claim cards are untouched.
func (h *Handlers) HandleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	if err := h.db.DeleteTopic(r.Context(), id); err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListPendingReviews handles GET /admin/reviews/pending.
func (h *Handlers) HandleListPendingReviews(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultTopicPageSize)
	offset := queryOffset(r)

	reviews, total, err := h.reviewSvc.Pending(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list pending reviews", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, reviews, total, limit, offset)
}

// HandleApproveReview handles POST /admin/reviews/{topic_id}/approve:
// publishes the draft article.
func (h *Handlers) HandleApproveReview(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathUUID(r, "topic_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	var req model.ReviewApproveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	post, err := h.reviewSvc.Approve(r.Context(), topicID, req)
	if err != nil {
		h.logger.Error("approve review", "error", err, "topic_id", topicID)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, post)
}

// HandleRejectReview handles POST /admin/reviews/{topic_id}/reject. The
// draft stays unpublished; its claim cards remain in the audit surface.
func (h *Handlers) HandleRejectReview(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathUUID(r, "topic_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	var req model.ReviewRejectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.reviewSvc.Reject(r.Context(), topicID, req); err != nil {
		h.logger.Error("reject review", "error", err, "topic_id", topicID)
		writeStorageError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRequestRevision handles POST /admin/reviews/{topic_id}/revision:
// re-runs the decomposer, specific claim pipelines, or the composer with
// the reviewer's feedback.
func (h *Handlers) HandleRequestRevision(w http.ResponseWriter, r *http.Request) {
	topicID, err := pathUUID(r, "topic_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid topic id")
		return
	}

	var req model.ReviewRevisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.reviewSvc.RequestRevision(r.Context(), topicID, req)
	if err != nil {
		h.logger.Error("request revision", "error", err, "topic_id", topicID, "scope", req.Scope)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleGetSchedulerSettings handles GET /admin/scheduler/settings.
func (h *Handlers) HandleGetSchedulerSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetSchedulerSettings(r.Context())
	if err != nil {
		h.logger.Error("get scheduler settings", "error", err)
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

// HandleUpdateSchedulerSettings handles PUT /admin/scheduler/settings.
func (h *Handlers) HandleUpdateSchedulerSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.SchedulerSettings
	if err := decodeJSON(w, r, &settings, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.SaveSchedulerSettings(r.Context(), settings); err != nil {
		h.logger.Error("save scheduler settings", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, settings)
}

// HandleSchedulerRunNow handles POST /admin/scheduler/run: runs one
// scheduler batch immediately, regardless of the configured post time.
func (h *Handlers) HandleSchedulerRunNow(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.schedSvc.RunNow(r.Context())
	if err != nil {
		h.logger.Error("scheduler run now", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "scheduler run failed")
		return
	}
	writeJSON(w, r, http.StatusOK, outcomes)
}

// HandleGetAutosuggestSettings handles GET /admin/autosuggest/settings.
func (h *Handlers) HandleGetAutosuggestSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetAutosuggestSettings(r.Context())
	if err != nil {
		h.logger.Error("get autosuggest settings", "error", err)
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settings)
}

// HandleUpdateAutosuggestSettings handles PUT /admin/autosuggest/settings.
func (h *Handlers) HandleUpdateAutosuggestSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.AutosuggestSettings
	if err := decodeJSON(w, r, &settings, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.SaveAutosuggestSettings(r.Context(), settings); err != nil {
		h.logger.Error("save autosuggest settings", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, settings)
}

// HandleAutosuggestRun handles POST /admin/autosuggest/run: discovers
// candidate topics from supplied or fetched content and enqueues the
// novel ones.
func (h *Handlers) HandleAutosuggestRun(w http.ResponseWriter, r *http.Request) {
	if h.autosuggest == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "auto-suggest is not configured")
		return
	}

	var req model.AutosuggestRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.autosuggest.Run(r.Context(), req)
	if err != nil {
		h.logger.Error("autosuggest run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "auto-suggest run failed")
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleListAgentPrompts handles GET /admin/prompts.
func (h *Handlers) HandleListAgentPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.db.ListAgentPrompts(r.Context())
	if err != nil {
		h.logger.Error("list agent prompts", "error", err)
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, prompts)
}

// HandleGetAgentPrompt handles GET /admin/prompts/{agent_name}.
func (h *Handlers) HandleGetAgentPrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("agent_name")
	prompt, err := h.db.GetAgentPrompt(r.Context(), name)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, prompt)
}

// HandleUpdateAgentPrompt handles PUT /admin/prompts/{agent_name}. The
// agents read their prompt row per invocation, so the edit takes effect
// on the next pipeline run without a restart.
func (h *Handlers) HandleUpdateAgentPrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("agent_name")

	var prompt model.AgentPrompt
	if err := decodeJSON(w, r, &prompt, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	prompt.AgentName = name
	if err := prompt.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	updated, err := h.db.UpdateAgentPrompt(r.Context(), prompt)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, updated)
}

// HandleListRouterDecisions handles GET /admin/routing/decisions: the
// append-only routing log, newest first.
func (h *Handlers) HandleListRouterDecisions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultTopicPageSize)
	offset := queryOffset(r)

	decisions, total, err := h.db.ListRouterDecisions(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list router decisions", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, decisions, total, limit, offset)
}

// HandleSetCardVisibility handles PATCH /admin/cards/{id}/visibility.
func (h *Handlers) HandleSetCardVisibility(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid card id")
		return
	}

	var req struct {
		Visible bool `json:"visible"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.db.SetClaimVisibility(r.Context(), id, req.Visible); err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateClaimText handles PATCH /admin/cards/{id}: rewrites the
// claim text and re-embeds it, committing text and vector together so
// semantic search never matches the new wording against the old
// embedding.
func (h *Handlers) HandleUpdateClaimText(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid card id")
		return
	}

	var req struct {
		ClaimText string `json:"claim_text"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	text := strings.TrimSpace(req.ClaimText)
	if text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "claim_text is required")
		return
	}
	if len(text) > model.MaxQuestionLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("claim_text exceeds maximum length of %d characters", model.MaxQuestionLen))
		return
	}

	// A zero vector (the noop provider) is stored as NULL: the card
	// leaves semantic search until a reembed backfills it, which beats
	// matching against an undefined direction.
	var vec *pgvector.Vector
	if h.embedder != nil {
		v, err := h.embedder.Embed(r.Context(), text)
		if err != nil {
			h.logger.Error("embed edited claim text", "error", err, "card_id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to embed claim text")
			return
		}
		if !embedding.IsZero(v) {
			vec = &v
		}
	}

	card, err := h.db.UpdateClaimText(r.Context(), id, text, vec)
	if err != nil {
		h.logger.Error("update claim text", "error", err, "card_id", id)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, card)
}

// HandleListDraftPosts handles GET /admin/blog/posts: all posts including
// unpublished drafts, for the review UI.
func (h *Handlers) HandleListDraftPosts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultPostPageSize)
	offset := queryOffset(r)

	posts, total, err := h.db.ListBlogPosts(r.Context(), false, limit, offset)
	if err != nil {
		h.logger.Error("list draft posts", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, posts, total, limit, offset)
}

// HandleDatabaseReset handles POST /admin/database/reset: deletes all
// generated content while preserving agent prompts, the verified source
// library, and settings. Guarded by an explicit confirmation string.
func (h *Handlers) HandleDatabaseReset(w http.ResponseWriter, r *http.Request) {
	var req model.DatabaseResetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Confirm != "RESET" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, `confirm must be exactly "RESET"`)
		return
	}

	result, err := h.db.ResetContent(r.Context())
	if err != nil {
		h.logger.Error("database reset", "error", err)
		writeStorageError(w, r, err)
		return
	}

	h.logger.Warn("generated content reset",
		"claim_cards", result.ClaimCards,
		"blog_posts", result.BlogPosts,
		"topics", result.TopicQueue,
		"router_decisions", result.RouterDecisions,
	)

	writeJSON(w, r, http.StatusOK, model.DatabaseResetResponse{
		Deleted:   result.Deleted(),
		Preserved: storage.PreservedTables,
	})
}
