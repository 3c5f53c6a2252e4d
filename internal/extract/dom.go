package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagevault/pagevault/internal/archive"
)

// boilerplateSelector names the chrome stripped before density scoring.
const boilerplateSelector = "nav, header, footer, aside, script, style, noscript, form, iframe"

// DOMStrategy strips page chrome and picks the densest remaining text block.
// Middle confidence: works on pages readability declines, but can still pick
// up stray widgets.
type DOMStrategy struct{}

func (DOMStrategy) Name() string { return "dom-heuristic" }

func (DOMStrategy) Extract(_ context.Context, doc Document) (archive.ExtractedContent, bool) {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(padBlockTags(string(doc.HTML))))
	if err != nil {
		return archive.ExtractedContent{}, false
	}
	parsed.Find(boilerplateSelector).Remove()

	best := ""
	parsed.Find("article, main, section, div, body").Each(func(_ int, sel *goquery.Selection) {
		text := normalizeText(ownText(sel))
		if len(text) > len(best) {
			best = text
		}
	})
	if best == "" {
		return archive.ExtractedContent{}, false
	}
	return archive.ExtractedContent{
		Text:       best,
		Title:      pageTitle(parsed),
		WordCount:  wordCount(best),
		Method:     "dom-heuristic",
		Confidence: 0.6,
	}, true
}

// ownText collects text from the selection excluding any nested candidate
// containers, so a wrapping div does not always beat its densest child.
func ownText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("article, main, section, div").Remove()
	return clone.Text()
}

func pageTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// pageLanguage reads the declared document language, empty when undeclared.
func pageLanguage(html []byte) string {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return ""
	}
	lang, _ := parsed.Find("html").Attr("lang")
	return strings.TrimSpace(lang)
}
