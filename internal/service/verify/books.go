package verify

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// Tier 1: Google Books. Verifies book citations against the public
// volumes index and lifts the search snippet as a verbatim quote when
// one is returned.

type booksResponse struct {
	TotalItems int         `json:"totalItems"`
	Items      []booksItem `json:"items"`
}

type booksItem struct {
	VolumeInfo booksVolumeInfo `json:"volumeInfo"`
	SearchInfo struct {
		TextSnippet string `json:"textSnippet"`
	} `json:"searchInfo"`
}

type booksVolumeInfo struct {
	Title               string            `json:"title"`
	Authors             []string          `json:"authors"`
	Publisher           string            `json:"publisher"`
	PublishedDate       string            `json:"publishedDate"`
	Description         string            `json:"description"`
	IndustryIdentifiers []booksIdentifier `json:"industryIdentifiers"`
	PreviewLink         string            `json:"previewLink"`
	InfoLink            string            `json:"infoLink"`
}

type booksIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// fromBooks queries Google Books for the single best volume match.
func (s *Service) fromBooks(ctx context.Context, query string) (tierResult, bool) {
	q := url.Values{"q": {query}, "maxResults": {"1"}}
	if s.cfg.GoogleBooksAPIKey != "" {
		q.Set("key", s.cfg.GoogleBooksAPIKey)
	}
	var out booksResponse
	if err := s.getJSON(ctx, s.cfg.GoogleBooksBaseURL+"/volumes?"+q.Encode(), nil, &out); err != nil {
		s.logger.Warn("google books lookup failed", "query", query, "error", err)
		return tierResult{}, false
	}
	if len(out.Items) == 0 {
		return tierResult{}, false
	}
	item := out.Items[0]
	info := item.VolumeInfo
	if info.Title == "" {
		return tierResult{}, false
	}

	author := strings.Join(info.Authors, ", ")
	citation := info.Title
	if author != "" {
		citation = author + ", " + info.Title
	}
	if info.Publisher != "" && info.PublishedDate != "" {
		citation += fmt.Sprintf(" (%s, %s)", info.Publisher, info.PublishedDate)
	}

	pageURL := info.PreviewLink
	if pageURL == "" {
		pageURL = info.InfoLink
	}

	quote := stripTags(html.UnescapeString(item.SearchInfo.TextSnippet))
	if quote == "" {
		quote = clip(collapseSpace(info.Description), maxQuoteLen)
	}
	status, content := model.StatusVerified, model.ContentExactQuote
	if quote == "" {
		status, content = model.StatusPartiallyVerified, model.ContentVerifiedParaphrase
	}

	lib := &model.VerifiedSource{
		Title:              info.Title,
		Author:             author,
		Publisher:          info.Publisher,
		VerificationMethod: string(model.MethodGoogleBooks),
	}
	if info.PublishedDate != "" {
		d := info.PublishedDate
		lib.PublicationDate = &d
	}
	if isbn := pickISBN(info.IndustryIdentifiers); isbn != "" {
		lib.Identifier = &isbn
	}

	return tierResult{
		source: model.Source{
			Citation:           citation,
			URL:                pageURL,
			QuoteText:          quote,
			VerificationMethod: model.MethodGoogleBooks,
			VerificationStatus: status,
			ContentType:        content,
		},
		library: lib,
	}, true
}

// pickISBN prefers ISBN-13 over ISBN-10 and normalizes away hyphens so
// the same edition always dedups to one library row.
func pickISBN(ids []booksIdentifier) string {
	var fallback string
	for _, id := range ids {
		v := strings.ReplaceAll(strings.TrimSpace(id.Identifier), "-", "")
		if v == "" {
			continue
		}
		switch id.Type {
		case "ISBN_13":
			return v
		case "ISBN_10":
			fallback = v
		}
	}
	return fallback
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags removes the inline markup Google Books embeds in snippets.
func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}
