package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thereceipts/receipts/internal/model"
)

// CreateRouterDecision appends a routing log entry. The log is
// append-only: rows are never updated or deleted outside a database
// reset.
func (db *DB) CreateRouterDecision(ctx context.Context, d model.RouterDecision) (model.RouterDecision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.ConversationContext == nil {
		d.ConversationContext = []model.ChatMessage{}
	}
	if d.ClaimCardsReferenced == nil {
		d.ClaimCardsReferenced = []uuid.UUID{}
	}
	if d.SearchCandidates == nil {
		d.SearchCandidates = []model.SearchCandidate{}
	}
	d.Reasoning = model.ClampReasoning(d.Reasoning)

	_, err := db.pool.Exec(ctx,
		`INSERT INTO router_decisions (id, question_text, reformulated_question, conversation_context,
		 mode_selected, claim_cards_referenced, search_candidates, reasoning, response_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.QuestionText, d.ReformulatedQuestion, d.ConversationContext,
		d.ModeSelected, d.ClaimCardsReferenced, d.SearchCandidates, d.Reasoning,
		d.ResponseTimeMS, d.CreatedAt,
	)
	if err != nil {
		return model.RouterDecision{}, fmt.Errorf("storage: create router decision: %w", err)
	}
	return d, nil
}

// ListRouterDecisions returns routing log entries, newest first.
func (db *DB) ListRouterDecisions(ctx context.Context, limit, offset int) ([]model.RouterDecision, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM router_decisions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count router decisions: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, question_text, reformulated_question, conversation_context, mode_selected,
		 claim_cards_referenced, search_candidates, reasoning, response_time_ms, created_at
		 FROM router_decisions ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset))
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list router decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.RouterDecision
	for rows.Next() {
		var d model.RouterDecision
		if err := rows.Scan(
			&d.ID, &d.QuestionText, &d.ReformulatedQuestion, &d.ConversationContext,
			&d.ModeSelected, &d.ClaimCardsReferenced, &d.SearchCandidates, &d.Reasoning,
			&d.ResponseTimeMS, &d.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan router decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, total, rows.Err()
}
