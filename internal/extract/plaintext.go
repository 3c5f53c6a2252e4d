package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagevault/pagevault/internal/archive"
)

// PlainTextStrategy is the last-resort fallback: strip every tag and
// normalize whatever is left. Low confidence because boilerplate survives.
type PlainTextStrategy struct{}

func (PlainTextStrategy) Name() string { return "plaintext" }

func (PlainTextStrategy) Extract(_ context.Context, doc Document) (archive.ExtractedContent, bool) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(padBlockTags(string(doc.HTML))))
	if err != nil {
		return archive.ExtractedContent{}, false
	}
	parsed.Find("script, style, noscript").Remove()

	text := normalizeText(parsed.Text())
	if text == "" {
		return archive.ExtractedContent{}, false
	}
	return archive.ExtractedContent{
		Text:       text,
		Title:      pageTitle(parsed),
		WordCount:  wordCount(text),
		Method:     "plaintext",
		Confidence: 0.3,
	}, true
}
