package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/model"
)

const librarySourceColumns = `id, title, author, publisher, publication_date, identifier, url,
	 source_type, verification_method, times_reused, created_at, updated_at`

// UpsertVerifiedSource stores a newly verified citation in the library.
// When the source carries an external identifier that already exists,
// the existing row is refreshed instead of duplicated.
func (db *DB) UpsertVerifiedSource(ctx context.Context, v model.VerifiedSource) (model.VerifiedSource, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	if v.Identifier != nil && *v.Identifier != "" {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO verified_sources (id, title, author, publisher, publication_date, identifier,
			 url, source_type, verification_method, embedding, times_reused, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (identifier) WHERE identifier IS NOT NULL AND identifier <> ''
			 DO UPDATE SET
			     url = EXCLUDED.url,
			     verification_method = EXCLUDED.verification_method,
			     embedding = COALESCE(EXCLUDED.embedding, verified_sources.embedding),
			     updated_at = now()
			 RETURNING `+librarySourceColumns,
			v.ID, v.Title, v.Author, v.Publisher, v.PublicationDate, v.Identifier,
			v.URL, v.SourceType, v.VerificationMethod, v.Embedding, v.TimesReused,
			v.CreatedAt, v.UpdatedAt,
		)
		out, err := scanVerifiedSource(row)
		if err != nil {
			return model.VerifiedSource{}, fmt.Errorf("storage: upsert verified source: %w", err)
		}
		return out, nil
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO verified_sources (id, title, author, publisher, publication_date, identifier,
		 url, source_type, verification_method, embedding, times_reused, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.Title, v.Author, v.Publisher, v.PublicationDate, v.Identifier,
		v.URL, v.SourceType, v.VerificationMethod, v.Embedding, v.TimesReused,
		v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return model.VerifiedSource{}, fmt.Errorf("storage: insert verified source: %w", err)
	}
	return v, nil
}

// SearchLibraryByEmbedding finds previously verified sources similar to
// the query embedding. Used as the first verification tier: a close
// enough library hit short-circuits the external lookups.
func (db *DB) SearchLibraryByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.VerifiedSourceMatch, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+librarySourceColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM verified_sources
		 WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $2
		 ORDER BY similarity DESC
		 LIMIT $3`,
		embedding, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search library: %w", err)
	}
	defer rows.Close()

	var matches []model.VerifiedSourceMatch
	for rows.Next() {
		var v model.VerifiedSource
		var similarity float64
		if err := rows.Scan(
			&v.ID, &v.Title, &v.Author, &v.Publisher, &v.PublicationDate, &v.Identifier,
			&v.URL, &v.SourceType, &v.VerificationMethod, &v.TimesReused,
			&v.CreatedAt, &v.UpdatedAt, &similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan library match: %w", err)
		}
		matches = append(matches, model.VerifiedSourceMatch{Source: v, Similarity: similarity})
	}
	return matches, rows.Err()
}

// BumpSourceReuse increments the reuse counter on a library entry.
func (db *DB) BumpSourceReuse(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE verified_sources SET times_reused = times_reused + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: bump source reuse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: verified source %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListVerifiedSources returns library entries, most reused first.
func (db *DB) ListVerifiedSources(ctx context.Context, limit, offset int) ([]model.VerifiedSource, int, error) {
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
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM verified_sources`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count verified sources: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM verified_sources ORDER BY times_reused DESC, created_at DESC LIMIT %d OFFSET %d`,
		librarySourceColumns, limit, offset))
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list verified sources: %w", err)
	}
	defer rows.Close()

	var sources []model.VerifiedSource
	for rows.Next() {
		v, err := scanVerifiedSource(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan verified source: %w", err)
		}
		sources = append(sources, v)
	}
	return sources, total, rows.Err()
}

// CountVerifiedSources returns the library size.
func (db *DB) CountVerifiedSources(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM verified_sources`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count verified sources: %w", err)
	}
	return n, nil
}

func scanVerifiedSource(row pgx.Row) (model.VerifiedSource, error) {
	var v model.VerifiedSource
	err := row.Scan(
		&v.ID, &v.Title, &v.Author, &v.Publisher, &v.PublicationDate, &v.Identifier,
		&v.URL, &v.SourceType, &v.VerificationMethod, &v.TimesReused, &v.CreatedAt, &v.UpdatedAt,
	)
	return v, err
}
