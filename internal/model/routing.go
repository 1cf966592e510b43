package model

import (
	"time"

	"github.com/google/uuid"
)

// RoutingMode is the router's decision for an incoming question.
// Stored uppercase so the database value and the programmatic constant
// are the same string.
type RoutingMode string

const (
	ModeExactMatch RoutingMode = "EXACT_MATCH"
	ModeContextual RoutingMode = "CONTEXTUAL"
	ModeNovelClaim RoutingMode = "NOVEL_CLAIM"
)

// Valid reports whether m is a member of the routing mode enum.
func (m RoutingMode) Valid() bool {
	switch m {
	case ModeExactMatch, ModeContextual, ModeNovelClaim:
		return true
	}
	return false
}

// Conversation roles accepted in chat history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of the conversation history the client sends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SearchCandidate is the summary of one claim returned by the router's
// search tool. Persisted verbatim into the RouterDecision log.
type SearchCandidate struct {
	ClaimID           uuid.UUID         `json:"claim_id"`
	ClaimText         string            `json:"claim_text"`
	ShortAnswer       string            `json:"short_answer"`
	Similarity        float64           `json:"similarity"`
	Verdict           Verdict           `json:"verdict"`
	ClaimTypeCategory ClaimTypeCategory `json:"claim_type_category,omitempty"`
}

// MaxRouterReasoningLen caps the reasoning excerpt stored per decision.
const MaxRouterReasoningLen = 500

// RouterDecision is one append-only routing log entry. Every ask produces
// exactly one, whatever mode was chosen and even when the router fell back.
type RouterDecision struct {
	ID                   uuid.UUID         `json:"id"`
	QuestionText         string            `json:"question_text"`
	ReformulatedQuestion string            `json:"reformulated_question"`
	ConversationContext  []ChatMessage     `json:"conversation_context"`
	ModeSelected         RoutingMode       `json:"mode_selected"`
	ClaimCardsReferenced []uuid.UUID       `json:"claim_cards_referenced"`
	SearchCandidates     []SearchCandidate `json:"search_candidates"`
	Reasoning            string            `json:"reasoning"`
	ResponseTimeMS       int               `json:"response_time_ms"`
	CreatedAt            time.Time         `json:"created_at"`
}

// ClampReasoning truncates s to the stored reasoning limit.
func ClampReasoning(s string) string {
	if len(s) <= MaxRouterReasoningLen {
		return s
	}
	return s[:MaxRouterReasoningLen]
}
