package verify

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// Tier 3: ancient and patristic text archives. Perseus first for
// classical texts, then CCEL for the church fathers and later
// Christian writers. Neither archive exposes a structured API, so both
// lookups read the search page itself.

// perseusMinBodyLen distinguishes a populated results page from an
// empty shell; Perseus returns 200 either way.
const perseusMinBodyLen = 1000

// fromAncient returns the first hit from the archive sequence.
func (s *Service) fromAncient(ctx context.Context, query string) (tierResult, bool) {
	if res, ok := s.fromPerseus(ctx, query); ok {
		return res, true
	}
	return s.fromCCEL(ctx, query)
}

// fromPerseus searches the Perseus Digital Library full-text index.
// The results page we just fetched is the source URL, so no second
// probe is needed.
func (s *Service) fromPerseus(ctx context.Context, query string) (tierResult, bool) {
	q := url.Values{"q": {query}, "target": {"text"}}
	searchURL := s.cfg.PerseusBaseURL + "/hopper/searchresults?" + q.Encode()
	body, err := s.getBody(ctx, searchURL)
	if err != nil {
		s.logger.Warn("perseus lookup failed", "query", query, "error", err)
		return tierResult{}, false
	}
	if len(body) < perseusMinBodyLen {
		return tierResult{}, false
	}

	src := model.Source{
		Citation:           "Perseus Digital Library: " + query,
		URL:                searchURL,
		URLVerified:        true, // the GET above returned 200
		VerificationMethod: model.MethodPerseus,
		VerificationStatus: model.StatusPartiallyVerified,
		ContentType:        model.ContentVerifiedParaphrase,
	}
	return tierResult{
		source: src,
		library: &model.VerifiedSource{
			Title:              src.Citation,
			VerificationMethod: string(model.MethodPerseus),
		},
	}, true
}

var ccelLinkPattern = regexp.MustCompile(`href="(/ccel/[^"]+)"`)

// fromCCEL searches the Christian Classics Ethereal Library and takes
// the first work linked from the results page.
func (s *Service) fromCCEL(ctx context.Context, query string) (tierResult, bool) {
	q := url.Values{"qu": {query}}
	body, err := s.getBody(ctx, s.cfg.CCELBaseURL+"/search?"+q.Encode())
	if err != nil {
		s.logger.Warn("ccel lookup failed", "query", query, "error", err)
		return tierResult{}, false
	}
	page := string(body)
	if strings.Contains(page, "No results found") {
		return tierResult{}, false
	}
	m := ccelLinkPattern.FindStringSubmatch(page)
	if m == nil {
		return tierResult{}, false
	}

	src := model.Source{
		Citation:           "CCEL: " + query,
		URL:                s.cfg.CCELBaseURL + m[1],
		VerificationMethod: model.MethodCCEL,
		VerificationStatus: model.StatusPartiallyVerified,
		ContentType:        model.ContentVerifiedParaphrase,
	}
	return tierResult{
		source: src,
		library: &model.VerifiedSource{
			Title:              src.Citation,
			VerificationMethod: string(model.MethodCCEL),
		},
	}, true
}
