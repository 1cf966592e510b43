package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/model"
)

// CreateClaimCard inserts a claim card with its sources and tags in one
// transaction and returns the stored card. A partial card is never
// visible: either every child row commits or none do.
func (db *DB) CreateClaimCard(ctx context.Context, card model.ClaimCard) (model.ClaimCard, error) {
	if card.ID == uuid.Nil {
		card.ID = uuid.New()
	}
	now := time.Now().UTC()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now
	if card.WhyPersists == nil {
		card.WhyPersists = []string{}
	}
	if card.AgentAudit == nil {
		card.AgentAudit = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO claim_cards (id, claim_text, claimant, claim_type, claim_type_category,
		 verdict, short_answer, deep_answer, why_persists, confidence_level, confidence_explanation,
		 agent_audit, visible_in_audits, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		card.ID, card.ClaimText, card.Claimant, card.ClaimType, card.ClaimTypeCategory,
		card.Verdict, card.ShortAnswer, card.DeepAnswer, card.WhyPersists,
		card.ConfidenceLevel, card.ConfidenceExplanation, card.AgentAudit,
		card.VisibleInAudits, card.Embedding, card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: create claim card: %w", err)
	}

	for i := range card.Sources {
		s := &card.Sources[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.ClaimCardID = card.ID
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO sources (id, claim_card_id, source_type, citation, url, quote_text,
			 usage_context, verification_method, verification_status, content_type, url_verified, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.ClaimCardID, s.SourceType, s.Citation, s.URL, s.QuoteText,
			s.UsageContext, s.VerificationMethod, s.VerificationStatus, s.ContentType,
			s.URLVerified, s.CreatedAt,
		)
		if err != nil {
			return model.ClaimCard{}, fmt.Errorf("storage: create source: %w", err)
		}
	}

	for i := range card.ApologeticsTags {
		t := &card.ApologeticsTags[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.ClaimCardID = card.ID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO apologetics_tags (id, claim_card_id, technique_name, description, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.ClaimCardID, t.TechniqueName, t.Description, t.CreatedAt,
		)
		if err != nil {
			return model.ClaimCard{}, fmt.Errorf("storage: create apologetics tag: %w", err)
		}
	}

	for i := range card.CategoryTags {
		t := &card.CategoryTags[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.ClaimCardID = card.ID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO category_tags (id, claim_card_id, category_name, description, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.ClaimCardID, t.CategoryName, t.Description, t.CreatedAt,
		)
		if err != nil {
			return model.ClaimCard{}, fmt.Errorf("storage: create category tag: %w", err)
		}
	}

	if db.syncSearch && card.Embedding != nil {
		if err := enqueueSearchSync(ctx, tx, card.ID, "upsert"); err != nil {
			return model.ClaimCard{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: commit claim card: %w", err)
	}
	return card, nil
}

// GetClaimCard retrieves a claim card with its sources and tags.
func (db *DB) GetClaimCard(ctx context.Context, id uuid.UUID) (model.ClaimCard, error) {
	var c model.ClaimCard
	err := db.pool.QueryRow(ctx,
		`SELECT id, claim_text, claimant, claim_type, claim_type_category, verdict,
		 short_answer, deep_answer, why_persists, confidence_level, confidence_explanation,
		 agent_audit, visible_in_audits, created_at, updated_at
		 FROM claim_cards WHERE id = $1`, id,
	).Scan(
		&c.ID, &c.ClaimText, &c.Claimant, &c.ClaimType, &c.ClaimTypeCategory, &c.Verdict,
		&c.ShortAnswer, &c.DeepAnswer, &c.WhyPersists, &c.ConfidenceLevel, &c.ConfidenceExplanation,
		&c.AgentAudit, &c.VisibleInAudits, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClaimCard{}, fmt.Errorf("storage: claim card %s: %w", id, ErrNotFound)
		}
		return model.ClaimCard{}, fmt.Errorf("storage: get claim card: %w", err)
	}

	cards := []model.ClaimCard{c}
	if err := db.hydrateClaimChildren(ctx, cards); err != nil {
		return model.ClaimCard{}, err
	}
	return cards[0], nil
}

// GetClaimCards retrieves multiple claim cards by ID, fully hydrated,
// newest first. Missing IDs are silently skipped.
func (db *DB) GetClaimCards(ctx context.Context, ids []uuid.UUID) ([]model.ClaimCard, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_text, claimant, claim_type, claim_type_category, verdict,
		 short_answer, deep_answer, why_persists, confidence_level, confidence_explanation,
		 agent_audit, visible_in_audits, created_at, updated_at
		 FROM claim_cards WHERE id = ANY($1) ORDER BY created_at DESC`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get claim cards: %w", err)
	}
	cards, err := scanClaimCards(rows)
	if err != nil {
		return nil, err
	}
	if err := db.hydrateClaimChildren(ctx, cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// ListClaimCards returns publicly visible claim cards, newest first,
// optionally filtered to one category. Cards are fully hydrated.
func (db *DB) ListClaimCards(ctx context.Context, category string, limit, offset int) ([]model.ClaimCard, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE visible_in_audits"
	args := []any{}
	if category != "" {
		where += " AND EXISTS (SELECT 1 FROM category_tags ct WHERE ct.claim_card_id = claim_cards.id AND ct.category_name = $1)"
		args = append(args, category)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM claim_cards"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count claim cards: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, claim_text, claimant, claim_type, claim_type_category, verdict,
		 short_answer, deep_answer, why_persists, confidence_level, confidence_explanation,
		 agent_audit, visible_in_audits, created_at, updated_at
		 FROM claim_cards%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list claim cards: %w", err)
	}
	cards, err := scanClaimCards(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := db.hydrateClaimChildren(ctx, cards); err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

// SearchClaimsByEmbedding performs cosine similarity search over visible
// claim cards. Similarity is 1 - (embedding <=> query); only rows at or
// above threshold are returned, best match first, ties broken newest
// first. Children are not hydrated — callers needing sources fetch the
// full card.
func (db *DB) SearchClaimsByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.ClaimSearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_text, claimant, claim_type, claim_type_category, verdict,
		 short_answer, deep_answer, why_persists, confidence_level, confidence_explanation,
		 agent_audit, visible_in_audits, created_at, updated_at,
		 1 - (embedding <=> $1) AS similarity
		 FROM claim_cards
		 WHERE embedding IS NOT NULL
		   AND visible_in_audits
		   AND 1 - (embedding <=> $1) >= $2
		 ORDER BY similarity DESC, created_at DESC
		 LIMIT $3`,
		embedding, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search claims: %w", err)
	}
	defer rows.Close()

	var results []model.ClaimSearchResult
	for rows.Next() {
		var c model.ClaimCard
		var similarity float64
		if err := rows.Scan(
			&c.ID, &c.ClaimText, &c.Claimant, &c.ClaimType, &c.ClaimTypeCategory, &c.Verdict,
			&c.ShortAnswer, &c.DeepAnswer, &c.WhyPersists, &c.ConfidenceLevel, &c.ConfidenceExplanation,
			&c.AgentAudit, &c.VisibleInAudits, &c.CreatedAt, &c.UpdatedAt,
			&similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, model.ClaimSearchResult{Card: c, Similarity: similarity})
	}
	return results, rows.Err()
}

// UpsertClaimEmbedding stores the embedding for an existing claim card.
// Called when embedding generation happens after the card row is written
// (the pipeline tolerates a failed embedding and backfills later).
func (db *DB) UpsertClaimEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE claim_cards SET embedding = $2, updated_at = now() WHERE id = $1`,
		id, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert claim embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: claim card %s: %w", id, ErrNotFound)
	}

	if db.syncSearch {
		if err := enqueueSearchSync(ctx, tx, id, "upsert"); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit claim embedding: %w", err)
	}
	return nil
}

// UpdateClaimText rewrites a card's claim text together with the
// embedding computed from the new text. Both land in one transaction:
// search never sees the new text paired with the old vector. A nil
// embedding clears the stored one (the card drops out of semantic
// search until backfilled) and queues an index delete instead of an
// upsert. Returns the updated card fully hydrated.
func (db *DB) UpdateClaimText(ctx context.Context, id uuid.UUID, text string, embedding *pgvector.Vector) (model.ClaimCard, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE claim_cards SET claim_text = $2, embedding = $3, updated_at = now() WHERE id = $1`,
		id, text, embedding,
	)
	if err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: update claim text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ClaimCard{}, fmt.Errorf("storage: claim card %s: %w", id, ErrNotFound)
	}

	if db.syncSearch {
		op := "upsert"
		if embedding == nil {
			op = "delete"
		}
		if err := enqueueSearchSync(ctx, tx, id, op); err != nil {
			return model.ClaimCard{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ClaimCard{}, fmt.Errorf("storage: commit claim text: %w", err)
	}
	return db.GetClaimCard(ctx, id)
}

// SetClaimVisibility shows or hides a claim card in public audit listings
// and semantic search.
func (db *DB) SetClaimVisibility(ctx context.Context, id uuid.UUID, visible bool) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE claim_cards SET visible_in_audits = $2, updated_at = now() WHERE id = $1`,
		id, visible,
	)
	if err != nil {
		return fmt.Errorf("storage: set claim visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: claim card %s: %w", id, ErrNotFound)
	}

	if db.syncSearch {
		op := "upsert"
		if !visible {
			op = "delete"
		}
		if err := enqueueSearchSync(ctx, tx, id, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit claim visibility: %w", err)
	}
	return nil
}

// CountClaims returns the number of visible claim cards.
func (db *DB) CountClaims(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claim_cards WHERE visible_in_audits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count claims: %w", err)
	}
	return n, nil
}

// VerdictCounts returns the number of visible claim cards per verdict.
func (db *DB) VerdictCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT verdict, COUNT(*) FROM claim_cards WHERE visible_in_audits GROUP BY verdict`)
	if err != nil {
		return nil, fmt.Errorf("storage: verdict counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, fmt.Errorf("storage: scan verdict count: %w", err)
		}
		counts[verdict] = n
	}
	return counts, rows.Err()
}

// CountSources returns source totals: all sources on visible cards, and
// the subset with verified or partially verified status.
func (db *DB) CountSources(ctx context.Context) (total, verified int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE s.verification_status IN ('verified', 'partially_verified'))
		 FROM sources s
		 JOIN claim_cards c ON c.id = s.claim_card_id
		 WHERE c.visible_in_audits`,
	).Scan(&total, &verified)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: count sources: %w", err)
	}
	return total, verified, nil
}

// enqueueSearchSync records a pending index operation for the outbox
// worker inside the caller's transaction.
func enqueueSearchSync(ctx context.Context, tx pgx.Tx, claimCardID uuid.UUID, operation string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (claim_card_id, operation)
		 VALUES ($1, $2)
		 ON CONFLICT (claim_card_id, operation) DO UPDATE
		 SET created_at = now(), attempts = 0, locked_until = NULL`,
		claimCardID, operation,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue search sync: %w", err)
	}
	return nil
}

// hydrateClaimChildren loads sources and tags for the given cards in
// three batch queries (avoids N+1 on list endpoints).
func (db *DB) hydrateClaimChildren(ctx context.Context, cards []model.ClaimCard) error {
	if len(cards) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(cards))
	index := make(map[uuid.UUID]int, len(cards))
	for i := range cards {
		ids[i] = cards[i].ID
		index[cards[i].ID] = i
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_card_id, source_type, citation, url, quote_text, usage_context,
		 verification_method, verification_status, content_type, url_verified, created_at
		 FROM sources WHERE claim_card_id = ANY($1) ORDER BY created_at ASC`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load sources: %w", err)
	}
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(
			&s.ID, &s.ClaimCardID, &s.SourceType, &s.Citation, &s.URL, &s.QuoteText,
			&s.UsageContext, &s.VerificationMethod, &s.VerificationStatus, &s.ContentType,
			&s.URLVerified, &s.CreatedAt,
		); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan source: %w", err)
		}
		if i, ok := index[s.ClaimCardID]; ok {
			cards[i].Sources = append(cards[i].Sources, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate sources: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT id, claim_card_id, technique_name, description, created_at
		 FROM apologetics_tags WHERE claim_card_id = ANY($1) ORDER BY created_at ASC`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load apologetics tags: %w", err)
	}
	for rows.Next() {
		var t model.ApologeticsTag
		if err := rows.Scan(&t.ID, &t.ClaimCardID, &t.TechniqueName, &t.Description, &t.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan apologetics tag: %w", err)
		}
		if i, ok := index[t.ClaimCardID]; ok {
			cards[i].ApologeticsTags = append(cards[i].ApologeticsTags, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate apologetics tags: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT id, claim_card_id, category_name, description, created_at
		 FROM category_tags WHERE claim_card_id = ANY($1) ORDER BY created_at ASC`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: load category tags: %w", err)
	}
	for rows.Next() {
		var t model.CategoryTag
		if err := rows.Scan(&t.ID, &t.ClaimCardID, &t.CategoryName, &t.Description, &t.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan category tag: %w", err)
		}
		if i, ok := index[t.ClaimCardID]; ok {
			cards[i].CategoryTags = append(cards[i].CategoryTags, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate category tags: %w", err)
	}

	return nil
}

func scanClaimCards(rows pgx.Rows) ([]model.ClaimCard, error) {
	defer rows.Close()
	var cards []model.ClaimCard
	for rows.Next() {
		var c model.ClaimCard
		if err := rows.Scan(
			&c.ID, &c.ClaimText, &c.Claimant, &c.ClaimType, &c.ClaimTypeCategory, &c.Verdict,
			&c.ShortAnswer, &c.DeepAnswer, &c.WhyPersists, &c.ConfidenceLevel, &c.ConfidenceExplanation,
			&c.AgentAudit, &c.VisibleInAudits, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan claim card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}
