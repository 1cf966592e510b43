package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// VerifiedSource is one entry in the reusable source library: a citation
// that passed tier 1-3 verification at some point, stored with an
// embedding so later audits can reuse it instead of re-verifying.
// Survives database resets.
type VerifiedSource struct {
	ID                 uuid.UUID        `json:"id"`
	Title              string           `json:"title"`
	Author             string           `json:"author"`
	Publisher          string           `json:"publisher,omitempty"`
	PublicationDate    *string          `json:"publication_date,omitempty"`
	Identifier         *string          `json:"identifier,omitempty"` // DOI, ISBN, arXiv ID, PMID
	URL                string           `json:"url,omitempty"`
	SourceType         SourceKind       `json:"source_type"`
	VerificationMethod string           `json:"verification_method"`
	Embedding          *pgvector.Vector `json:"-"`
	TimesReused        int              `json:"times_reused"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// CitationText renders the canonical "Title, Author" form that library
// lookups embed and compare against.
func (v *VerifiedSource) CitationText() string {
	if v.Author == "" {
		return v.Title
	}
	return v.Title + ", " + v.Author
}

// VerifiedSourceMatch pairs a library entry with its similarity to a
// lookup query.
type VerifiedSourceMatch struct {
	Source     VerifiedSource `json:"source"`
	Similarity float64        `json:"similarity"`
}
