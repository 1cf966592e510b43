package server

import (
	"net/http"

	"github.com/thereceipts/receipts/internal/model"
)

// Default page sizes for the public read surface.
const (
	defaultCardPageSize   = 20
	defaultPostPageSize   = 10
	defaultSourcePageSize = 50
)

// HandleListBlogPosts handles GET /blog/posts. Only published posts are
// visible here; drafts live behind the review endpoints.
func (h *Handlers) HandleListBlogPosts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultPostPageSize)
	offset := queryOffset(r)

	posts, total, err := h.db.ListBlogPosts(r.Context(), true, limit, offset)
	if err != nil {
		h.logger.Error("list blog posts", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, posts, total, limit, offset)
}

// HandleGetBlogPost handles GET /blog/posts/{id}. Unpublished drafts
// 404 as if they did not exist.
func (h *Handlers) HandleGetBlogPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid post id")
		return
	}

	post, err := h.db.GetBlogPost(r.Context(), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !post.Published() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	writeJSON(w, r, http.StatusOK, post)
}

// HandleListAuditCards handles GET /audits/cards. Supports optional
// ?category= filtering against category tags.
func (h *Handlers) HandleListAuditCards(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultCardPageSize)
	offset := queryOffset(r)
	category := r.URL.Query().Get("category")

	cards, total, err := h.db.ListClaimCards(r.Context(), category, limit, offset)
	if err != nil {
		h.logger.Error("list audit cards", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, cards, total, limit, offset)
}

// HandleGetAuditCard handles GET /audits/cards/{id}. Cards hidden from
// the audit surface 404 as if they did not exist.
func (h *Handlers) HandleGetAuditCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid card id")
		return
	}

	card, err := h.db.GetClaimCard(r.Context(), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !card.VisibleInAudits {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	writeJSON(w, r, http.StatusOK, card)
}

// HandleListPublicSources handles GET /public/sources: the verified
// source library, most reused first.
func (h *Handlers) HandleListPublicSources(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultSourcePageSize)
	offset := queryOffset(r)

	sources, total, err := h.db.ListVerifiedSources(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list verified sources", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeListJSON(w, r, sources, total, limit, offset)
}

// HandlePublicMetrics handles GET /public/metrics: aggregate counts for
// the public site.
func (h *Handlers) HandlePublicMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.db.CountClaims(ctx)
	if err != nil {
		h.logger.Error("count claims", "error", err)
		writeStorageError(w, r, err)
		return
	}
	verdicts, err := h.db.VerdictCounts(ctx)
	if err != nil {
		h.logger.Error("verdict counts", "error", err)
		writeStorageError(w, r, err)
		return
	}
	totalSources, verifiedSources, err := h.db.CountSources(ctx)
	if err != nil {
		h.logger.Error("count sources", "error", err)
		writeStorageError(w, r, err)
		return
	}
	published, err := h.db.CountPublishedPosts(ctx)
	if err != nil {
		h.logger.Error("count published posts", "error", err)
		writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.PublicMetrics{
		TotalClaims:     claims,
		VerdictCounts:   verdicts,
		TotalSources:    totalSources,
		VerifiedSources: verifiedSources,
		PublishedPosts:  published,
	})
}

// HandleListCategories handles GET /categories.
func (h *Handlers) HandleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.Categories)
}
