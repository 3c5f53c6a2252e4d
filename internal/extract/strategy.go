// Package extract turns raw capture HTML into clean article text through a
// cascade of strategies, most specific first.
package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/pagevault/pagevault/internal/archive"
)

// Document is one capture handed to the cascade.
type Document struct {
	URL    string
	Digest string
	HTML   []byte
}

// Strategy attempts one extraction technique. ok=false means the strategy
// declined the document; internal failures are treated the same way.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, doc Document) (archive.ExtractedContent, bool)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// normalizeText collapses runs of whitespace into single spaces.
func normalizeText(text string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
}

func wordCount(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

// blockTags get a surrounding space before tag-stripping so words from
// adjacent blocks do not fuse.
var blockTagRE = regexp.MustCompile(`(?i)</?(?:div|p|br|li|td|tr|h[1-6]|section|article)[^>]*>`)

func padBlockTags(html string) string {
	return blockTagRE.ReplaceAllStringFunc(html, func(tag string) string {
		return " " + tag + " "
	})
}
