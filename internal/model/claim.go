package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Verdict is the outcome of a claim audit. The constant's string value is the
// single canonical form used in the database, the API, and agent prompts.
type Verdict string

const (
	VerdictTrue          Verdict = "True"
	VerdictMisleading    Verdict = "Misleading"
	VerdictFalse         Verdict = "False"
	VerdictUnfalsifiable Verdict = "Unfalsifiable"
	VerdictDepends       Verdict = "Depends on Definitions"
)

// Valid reports whether v is a member of the verdict enum.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictTrue, VerdictMisleading, VerdictFalse, VerdictUnfalsifiable, VerdictDepends:
		return true
	}
	return false
}

// ConfidenceLevel expresses how strongly the evidence supports the verdict.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "High"
	ConfidenceMedium ConfidenceLevel = "Medium"
	ConfidenceLow    ConfidenceLevel = "Low"
)

// Valid reports whether c is a member of the confidence enum.
func (c ConfidenceLevel) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// ClaimTypeCategory is the router-oriented classification of a claim.
// It decides whether two questions about the same topic are the same claim:
// a historical card never exact-matches an epistemological question.
type ClaimTypeCategory string

const (
	CategoryHistorical     ClaimTypeCategory = "historical"
	CategoryEpistemology   ClaimTypeCategory = "epistemology"
	CategoryInterpretation ClaimTypeCategory = "interpretation"
	CategoryTheological    ClaimTypeCategory = "theological"
	CategoryTextual        ClaimTypeCategory = "textual"
)

// Valid reports whether c is a member of the category enum. Empty is allowed:
// cards created before the category field existed have none.
func (c ClaimTypeCategory) Valid() bool {
	switch c {
	case "", CategoryHistorical, CategoryEpistemology, CategoryInterpretation, CategoryTheological, CategoryTextual:
		return true
	}
	return false
}

// SourceKind distinguishes the two citation classes a claim card carries.
type SourceKind string

const (
	SourcePrimaryHistorical SourceKind = "primary_historical"
	SourceScholarly         SourceKind = "scholarly_peer_reviewed"
)

// Valid reports whether k is a member of the source kind enum.
func (k SourceKind) Valid() bool {
	return k == SourcePrimaryHistorical || k == SourceScholarly
}

// VerificationMethod records which tier produced a source.
type VerificationMethod string

const (
	MethodLibraryReuse    VerificationMethod = "library_reuse"
	MethodGoogleBooks     VerificationMethod = "google_books"
	MethodSemanticScholar VerificationMethod = "semantic_scholar"
	MethodArxiv           VerificationMethod = "arxiv"
	MethodPubMed          VerificationMethod = "pubmed"
	MethodCCEL            VerificationMethod = "ccel"
	MethodPerseus         VerificationMethod = "perseus"
	MethodTavily          VerificationMethod = "tavily"
	MethodLLMUnverified   VerificationMethod = "llm_unverified"
)

// VerificationStatus records how much of a source could be confirmed.
type VerificationStatus string

const (
	StatusVerified          VerificationStatus = "verified"
	StatusPartiallyVerified VerificationStatus = "partially_verified"
	StatusUnverified        VerificationStatus = "unverified"
)

// ContentType records the provenance of a source's quote_text.
type ContentType string

const (
	ContentExactQuote         ContentType = "exact_quote"
	ContentVerifiedParaphrase ContentType = "verified_paraphrase"
	ContentUnverified         ContentType = "unverified_content"
)

// ClaimCard is the atomic audit record: one affirmative factual claim, its
// verdict, the prose explaining it, and the sources that ground it.
type ClaimCard struct {
	ID                    uuid.UUID         `json:"id"`
	ClaimText             string            `json:"claim_text"`
	Claimant              string            `json:"claimant,omitempty"`
	ClaimType             string            `json:"claim_type"`
	ClaimTypeCategory     ClaimTypeCategory `json:"claim_type_category,omitempty"`
	Verdict               Verdict           `json:"verdict"`
	ShortAnswer           string            `json:"short_answer"`
	DeepAnswer            string            `json:"deep_answer"`
	WhyPersists           []string          `json:"why_persists"`
	ConfidenceLevel       ConfidenceLevel   `json:"confidence_level"`
	ConfidenceExplanation string            `json:"confidence_explanation"`
	AgentAudit            map[string]any    `json:"agent_audit"`
	VisibleInAudits       bool              `json:"visible_in_audits"`
	Embedding             *pgvector.Vector  `json:"-"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`

	// Joined data, populated on reads.
	Sources         []Source         `json:"sources,omitempty"`
	ApologeticsTags []ApologeticsTag `json:"apologetics_tags,omitempty"`
	CategoryTags    []CategoryTag    `json:"category_tags,omitempty"`
}

// MaxShortAnswerWords bounds the short answer; the writer prompt asks for
// ≤150 words and validators allow a small overshoot before rejecting.
const (
	MaxShortAnswerWords = 150
	ShortAnswerSlack    = 25
)

// Validate checks the card invariants required before persistence.
func (c *ClaimCard) Validate() error {
	if strings.TrimSpace(c.ClaimText) == "" {
		return fmt.Errorf("claim_text is required")
	}
	if strings.TrimSpace(c.ShortAnswer) == "" {
		return fmt.Errorf("short_answer is required")
	}
	if !c.Verdict.Valid() {
		return fmt.Errorf("invalid verdict: %q", c.Verdict)
	}
	if !c.ConfidenceLevel.Valid() {
		return fmt.Errorf("invalid confidence_level: %q", c.ConfidenceLevel)
	}
	if !c.ClaimTypeCategory.Valid() {
		return fmt.Errorf("invalid claim_type_category: %q", c.ClaimTypeCategory)
	}
	if n := len(strings.Fields(c.ShortAnswer)); n > MaxShortAnswerWords+ShortAnswerSlack {
		return fmt.Errorf("short_answer exceeds %d words (got %d)", MaxShortAnswerWords, n)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("source[%d]: %w", i, err)
		}
	}
	return nil
}

// Source is one citation owned by a claim card. Deleted with its card.
type Source struct {
	ID           uuid.UUID  `json:"id"`
	ClaimCardID  uuid.UUID  `json:"claim_card_id"`
	SourceType   SourceKind `json:"source_type"`
	Citation     string     `json:"citation"`
	URL          string     `json:"url"`
	QuoteText    string     `json:"quote_text"`
	UsageContext string     `json:"usage_context"`

	VerificationMethod VerificationMethod `json:"verification_method"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	ContentType        ContentType        `json:"content_type"`
	URLVerified        bool               `json:"url_verified"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the per-source invariants. An unverifiable source must not
// carry a URL: empty beats fabricated.
func (s *Source) Validate() error {
	if strings.TrimSpace(s.Citation) == "" {
		return fmt.Errorf("citation is required")
	}
	if !s.SourceType.Valid() {
		return fmt.Errorf("invalid source_type: %q", s.SourceType)
	}
	if s.VerificationMethod == MethodLLMUnverified && s.URL != "" {
		return fmt.Errorf("llm_unverified source must have an empty url")
	}
	return nil
}

// SourceRecheck is the outcome of re-verifying an already-collected
// source during the adversarial stage. Discrepancies become audit
// notes, never pipeline failures.
type SourceRecheck struct {
	QuoteConfirmed bool   `json:"quote_confirmed"`
	URLReachable   bool   `json:"url_reachable"`
	Note           string `json:"note,omitempty"`
}

// ApologeticsTag names a rhetorical technique identified in the claim.
type ApologeticsTag struct {
	ID            uuid.UUID `json:"id"`
	ClaimCardID   uuid.UUID `json:"claim_card_id"`
	TechniqueName string    `json:"technique_name"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CategoryTag places the claim in a topical category for browsing.
type CategoryTag struct {
	ID           uuid.UUID `json:"id"`
	ClaimCardID  uuid.UUID `json:"claim_card_id"`
	CategoryName string    `json:"category_name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Categories available to the publisher and the browse surface.
var Categories = []string{
	"Genesis",
	"Canon",
	"Doctrine",
	"Ethics",
	"Institutions",
	"Historical Claims",
	"Scientific Claims",
	"Translation Issues",
}

// ClaimSearchResult pairs a card with its similarity to a query embedding.
type ClaimSearchResult struct {
	Card       ClaimCard `json:"card"`
	Similarity float64   `json:"similarity"`
}
