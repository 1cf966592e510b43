package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// PubMed goes through the NCBI E-utilities: esearch for the PMID, then
// esummary for the record. The summary payload carries no page URL, so
// the citation carries the PMID and the URL stays empty rather than
// being assembled by hand.

type pubmedSearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedSummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type pubmedRecord struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	PubDate string `json:"pubdate"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

// fromPubMed queries PubMed for the single best match.
func (s *Service) fromPubMed(ctx context.Context, query string) (tierResult, bool) {
	q := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmax":  {"1"},
		"retmode": {"json"},
	}
	var search pubmedSearchResponse
	if err := s.getJSON(ctx, s.cfg.PubMedBaseURL+"/esearch.fcgi?"+q.Encode(), nil, &search); err != nil {
		s.logger.Warn("pubmed search failed", "query", query, "error", err)
		return tierResult{}, false
	}
	if len(search.ESearchResult.IDList) == 0 {
		return tierResult{}, false
	}
	pmid := search.ESearchResult.IDList[0]

	sq := url.Values{
		"db":      {"pubmed"},
		"id":      {pmid},
		"retmode": {"json"},
	}
	var summary pubmedSummaryResponse
	if err := s.getJSON(ctx, s.cfg.PubMedBaseURL+"/esummary.fcgi?"+sq.Encode(), nil, &summary); err != nil {
		s.logger.Warn("pubmed summary failed", "pmid", pmid, "error", err)
		return tierResult{}, false
	}
	raw, ok := summary.Result[pmid]
	if !ok {
		return tierResult{}, false
	}
	var rec pubmedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return tierResult{}, false
	}
	title := strings.TrimSuffix(strings.TrimSpace(rec.Title), ".")
	if title == "" {
		return tierResult{}, false
	}

	names := make([]string, 0, len(rec.Authors))
	for _, a := range rec.Authors {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	author := strings.Join(names, ", ")

	year := 0
	if len(rec.PubDate) >= 4 {
		year, _ = strconv.Atoi(rec.PubDate[:4])
	}

	pmidKey := "PMID:" + pmid
	lib := &model.VerifiedSource{
		Title:              title,
		Author:             author,
		Publisher:          rec.Source,
		Identifier:         &pmidKey,
		VerificationMethod: string(model.MethodPubMed),
	}
	if year > 0 {
		y := strconv.Itoa(year)
		lib.PublicationDate = &y
	}

	return tierResult{
		source: model.Source{
			Citation:           fmt.Sprintf("%s. PMID: %s", academicCitation(author, title, rec.Source, year), pmid),
			VerificationMethod: model.MethodPubMed,
			VerificationStatus: model.StatusPartiallyVerified,
			ContentType:        model.ContentVerifiedParaphrase,
		},
		library: lib,
	}, true
}
