package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/thereceipts/receipts/internal/model"
)

// quoteOverlapThreshold is the fraction of significant quote words
// that must appear in the fetched page for a verbatim quote to count
// as confirmed at recheck.
const quoteOverlapThreshold = 0.6

// quoteWordMinLen filters stopword-sized tokens out of the overlap
// check.
const quoteWordMinLen = 4

// Reverify re-checks a previously collected source: the URL for
// reachability and, for verbatim quotes, the quote against the page
// the URL serves. Paraphrases and sources without URLs have nothing to
// re-check and come back clean. The Note strings feed the adversarial
// checker's reverification notes.
func (s *Service) Reverify(ctx context.Context, src model.Source) (model.SourceRecheck, error) {
	if err := ctx.Err(); err != nil {
		return model.SourceRecheck{}, err
	}
	rc := model.SourceRecheck{QuoteConfirmed: true, URLReachable: true}
	var notes []string

	if src.URL != "" {
		rc.URLReachable = s.urlReachable(ctx, src.URL)
		if !rc.URLReachable {
			notes = append(notes, "url unreachable at recheck")
		}
	}

	if src.ContentType == model.ContentExactQuote && src.QuoteText != "" && src.URL != "" && rc.URLReachable {
		body, err := s.getBody(ctx, src.URL)
		if err != nil {
			rc.QuoteConfirmed = false
			notes = append(notes, "source content could not be fetched for quote recheck")
		} else if overlap := wordOverlap(src.QuoteText, string(body)); overlap < quoteOverlapThreshold {
			rc.QuoteConfirmed = false
			notes = append(notes, fmt.Sprintf("quote overlaps source content by only %.0f%%", overlap*100))
		}
	}

	rc.Note = strings.Join(notes, "; ")
	return rc, nil
}

// wordOverlap reports the fraction of significant words from quote
// that occur somewhere in content. Case-insensitive; an empty quote
// counts as fully present.
func wordOverlap(quote, content string) float64 {
	haystack := strings.ToLower(content)
	var total, found int
	for _, w := range strings.Fields(strings.ToLower(quote)) {
		w = strings.Trim(w, `.,;:!?"'()[]`)
		if len(w) < quoteWordMinLen {
			continue
		}
		total++
		if strings.Contains(haystack, w) {
			found++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(found) / float64(total)
}
