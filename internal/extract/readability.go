package extract

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/pagevault/pagevault/internal/archive"
)

// ReadabilityStrategy runs article extraction via go-readability. It is the
// highest-confidence strategy and runs first.
type ReadabilityStrategy struct{}

func (ReadabilityStrategy) Name() string { return "readability" }

func (ReadabilityStrategy) Extract(_ context.Context, doc Document) (archive.ExtractedContent, bool) {
	pageURL, err := url.Parse(doc.URL)
	if err != nil {
		return archive.ExtractedContent{}, false
	}
	article, err := readability.FromReader(strings.NewReader(string(doc.HTML)), pageURL)
	if err != nil {
		return archive.ExtractedContent{}, false
	}

	// Readability returns article HTML; strip it to text with block padding
	// so adjacent paragraphs stay separated.
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(padBlockTags(article.Content)))
	if err != nil {
		return archive.ExtractedContent{}, false
	}
	text := normalizeText(parsed.Text())
	if text == "" {
		return archive.ExtractedContent{}, false
	}
	return archive.ExtractedContent{
		Text:       text,
		Title:      strings.TrimSpace(article.Title),
		WordCount:  wordCount(text),
		Method:     "readability",
		Confidence: 0.9,
	}, true
}
