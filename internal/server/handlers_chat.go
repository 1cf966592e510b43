package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/thereceipts/receipts/internal/model"
)

// HandleChatAsk handles POST /chat/ask, the routed chat endpoint.
func (h *Handlers) HandleChatAsk(w http.ResponseWriter, r *http.Request) {
	var req model.ChatAskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.chatSvc.Ask(r.Context(), req)
	if err != nil {
		h.logger.Error("chat ask failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to answer question")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleChatMessage handles POST /chat/message, the single-shot
// search-or-generate endpoint that bypasses the router.
func (h *Handlers) HandleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req model.ChatMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.chatSvc.Message(r.Context(), req)
	if err != nil {
		h.logger.Error("chat message failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to answer message")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandlePipelineWS handles GET /ws/pipeline/{session_id}: upgrades the
// connection and streams the session's progress events until the client
// disconnects.
func (h *Handlers) HandlePipelineWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id must be a UUID")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "error", err, "session_id", sessionID)
		return
	}

	h.hub.ServeWS(conn, sessionID)
}
