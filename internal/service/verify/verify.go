// Package verify resolves source queries to verified citations through
// a tiered walk of catalogs: the local verified-source library first,
// then Google Books, the academic indexes (Semantic Scholar, arXiv,
// PubMed), the ancient-text archives (Perseus, CCEL), and general web
// search, ending at an explicitly unverified placeholder.
//
// A tier that fails or returns nothing is not an error; the walk moves
// on. Exhausting every tier yields an unverified source with an empty
// URL rather than a failure. Tiers never assemble URLs by hand: every
// stored URL came back from a catalog response and answered a HEAD
// probe with status 200.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/thereceipts/receipts/internal/llm"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/service/embedding"
)

const (
	defaultURLCheckTimeout  = 5 * time.Second
	defaultLibraryThreshold = 0.85

	// librarySearchLimit caps the candidates considered per library
	// lookup.
	librarySearchLimit = 3

	// fetchTimeout bounds any single catalog request end to end.
	fetchTimeout = 15 * time.Second

	// maxFetchBytes caps response bodies read from external catalogs.
	maxFetchBytes = 1 << 20

	// maxQuoteLen caps quotes lifted from abstracts and page content.
	maxQuoteLen = 500
)

// LibraryStore is the slice of storage the verifier needs: semantic
// search over the verified-source library plus reuse bookkeeping.
// Implemented by *storage.DB.
type LibraryStore interface {
	SearchLibraryByEmbedding(ctx context.Context, embedding pgvector.Vector, threshold float64, limit int) ([]model.VerifiedSourceMatch, error)
	BumpSourceReuse(ctx context.Context, id uuid.UUID) error
	UpsertVerifiedSource(ctx context.Context, v model.VerifiedSource) (model.VerifiedSource, error)
}

// Config carries API credentials and endpoint overrides for the tier
// clients. Empty base URLs fall back to the public endpoints; tests
// point them at local fixtures.
type Config struct {
	GoogleBooksAPIKey      string
	GoogleBooksBaseURL     string
	SemanticScholarAPIKey  string
	SemanticScholarBaseURL string
	ArxivBaseURL           string
	PubMedBaseURL          string
	PerseusBaseURL         string
	CCELBaseURL            string
	TavilyAPIKey           string
	TavilyBaseURL          string

	// URLCheckTimeout bounds each reachability probe. Zero means 5s.
	URLCheckTimeout time.Duration

	// LibraryThreshold is the minimum cosine similarity for a library
	// hit. Zero means 0.85.
	LibraryThreshold float64
}

// Service walks the verification tiers. Construct once; methods are
// safe for concurrent use.
type Service struct {
	store      LibraryStore
	embed      embedding.Provider
	clients    *llm.Clients
	logger     *slog.Logger
	cfg        Config
	httpClient *http.Client
}

// New creates the verification service. Zero Config fields fall back
// to the public endpoints and standard limits.
func New(store LibraryStore, embed embedding.Provider, clients *llm.Clients, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GoogleBooksBaseURL == "" {
		cfg.GoogleBooksBaseURL = "https://www.googleapis.com/books/v1"
	}
	if cfg.SemanticScholarBaseURL == "" {
		cfg.SemanticScholarBaseURL = "https://api.semanticscholar.org/graph/v1"
	}
	if cfg.ArxivBaseURL == "" {
		cfg.ArxivBaseURL = "https://export.arxiv.org/api"
	}
	if cfg.PubMedBaseURL == "" {
		cfg.PubMedBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if cfg.PerseusBaseURL == "" {
		cfg.PerseusBaseURL = "https://www.perseus.tufts.edu"
	}
	if cfg.CCELBaseURL == "" {
		cfg.CCELBaseURL = "https://ccel.org"
	}
	if cfg.TavilyBaseURL == "" {
		cfg.TavilyBaseURL = "https://api.tavily.com"
	}
	if cfg.URLCheckTimeout <= 0 {
		cfg.URLCheckTimeout = defaultURLCheckTimeout
	}
	if cfg.LibraryThreshold == 0 {
		cfg.LibraryThreshold = defaultLibraryThreshold
	}
	return &Service{
		store:      store,
		embed:      embed,
		clients:    clients,
		logger:     logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// tierResult is one tier's candidate before shared finishing: the URL
// probe, the source-kind stamp, and an optional library row.
type tierResult struct {
	source  model.Source
	library *model.VerifiedSource // nil when the tier does not feed the library
}

type tierFunc func(context.Context, string) (tierResult, bool)

// VerifySource resolves one source query to a source with its
// verification metadata filled. The walk starts in the local library,
// then takes the external tiers matching kind in order: books, ancient
// archives and web search for primary historical sources; academic
// indexes and web search for scholarly ones. Only context cancellation
// and bad input produce errors; a dry walk ends at the unverified
// fallback.
func (s *Service) VerifySource(ctx context.Context, claimText, query string, kind model.SourceKind) (model.Source, error) {
	if strings.TrimSpace(query) == "" {
		return model.Source{}, fmt.Errorf("verify: empty query")
	}
	if !kind.Valid() {
		return model.Source{}, fmt.Errorf("verify: invalid source kind %q", kind)
	}

	if res, ok := s.fromLibrary(ctx, claimText, query); ok {
		return s.finish(ctx, res, kind), nil
	}

	var tiers []tierFunc
	switch kind {
	case model.SourcePrimaryHistorical:
		tiers = []tierFunc{s.fromBooks, s.fromAncient, s.fromWeb}
	case model.SourceScholarly:
		tiers = []tierFunc{s.fromAcademic, s.fromWeb}
	}
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return model.Source{}, err
		}
		if res, ok := tier(ctx, query); ok {
			return s.finish(ctx, res, kind), nil
		}
	}

	s.logger.Info("all verification tiers exhausted", "query", query, "kind", kind)
	return s.fallback(query, kind), nil
}

// finish stamps the kind, probes any unprobed URL, and files the
// library row. A URL that fails its probe is dropped rather than
// stored unverified.
func (s *Service) finish(ctx context.Context, res tierResult, kind model.SourceKind) model.Source {
	src := res.source
	src.SourceType = kind
	if src.URL != "" && !src.URLVerified {
		src.URLVerified = s.urlReachable(ctx, src.URL)
		if !src.URLVerified {
			s.logger.Warn("dropping unreachable source url", "url", src.URL, "citation", src.Citation)
			src.URL = ""
		}
	}
	if res.library != nil {
		lib := *res.library
		lib.SourceType = kind
		lib.URL = src.URL
		s.addToLibrary(ctx, lib)
	}
	return src
}

// fallback is the terminal tier: an explicitly unverified placeholder.
// Its URL stays empty.
func (s *Service) fallback(query string, kind model.SourceKind) model.Source {
	return model.Source{
		SourceType:         kind,
		Citation:           "Source for: " + query,
		VerificationMethod: model.MethodLLMUnverified,
		VerificationStatus: model.StatusUnverified,
		ContentType:        model.ContentUnverified,
	}
}

// addToLibrary files a verified citation for future reuse. Failures
// are logged and swallowed; verification itself has already succeeded
// by the time this runs.
func (s *Service) addToLibrary(ctx context.Context, v model.VerifiedSource) {
	v.Title = clip(v.Title, 1000)
	v.Author = clip(v.Author, 500)
	v.Publisher = clip(v.Publisher, 500)
	if vec, err := s.embed.Embed(ctx, strings.TrimSpace(v.Title+" "+v.Author)); err != nil {
		s.logger.Warn("library embedding failed", "title", v.Title, "error", err)
	} else if !embedding.IsZero(vec) {
		v.Embedding = &vec
	}
	if _, err := s.store.UpsertVerifiedSource(ctx, v); err != nil {
		s.logger.Warn("library upsert failed", "title", v.Title, "error", err)
	}
}

// urlReachable probes rawURL with a HEAD request, following redirects,
// and reports whether the final status is 200.
func (s *Service) urlReachable(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.URLCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// getJSON fetches u and decodes the JSON body into out.
func (s *Service) getJSON(ctx context.Context, u string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(out)
}

// postJSON sends a JSON body to u and decodes the JSON response.
func (s *Service) postJSON(ctx context.Context, u string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(out)
}

// getBody fetches u and returns the response body, capped at 1 MB.
func (s *Service) getBody(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// collapseSpace flattens runs of whitespace into single spaces. Both
// arXiv abstracts and book descriptions arrive hard-wrapped.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
