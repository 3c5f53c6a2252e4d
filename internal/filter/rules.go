// Package filter classifies discovered capture records and assigns
// processing priority. Rules are an ordered list of independently testable
// predicate objects; the first match wins and ordering stays explicit.
package filter

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pagevault/pagevault/internal/archive"
)

// Rule is one predicate in the ordered evaluation chain. Match returns the
// decision when the rule fires, or ok=false to pass the record along.
type Rule interface {
	Name() string
	Match(ctx context.Context, record archive.CaptureRecord) (archive.FilterDecision, bool, error)
}

var supportedMimePrefixes = []string{
	"text/html",
	"application/xhtml",
	"text/plain",
}

var attachmentMimePrefixes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats",
	"application/vnd.oasis.opendocument",
}

// TypeRule rejects unsupported mime types, and attachments when the query
// excludes them. The only rule whose rejections disallow manual override.
type TypeRule struct {
	IncludeAttachments bool
}

// Name implements Rule.
func (r TypeRule) Name() string { return "type" }

// Match implements Rule.
func (r TypeRule) Match(_ context.Context, record archive.CaptureRecord) (archive.FilterDecision, bool, error) {
	mime := strings.ToLower(strings.TrimSpace(record.MimeType))
	for _, prefix := range supportedMimePrefixes {
		if strings.HasPrefix(mime, prefix) {
			return archive.FilterDecision{}, false, nil
		}
	}
	if r.IncludeAttachments {
		for _, prefix := range attachmentMimePrefixes {
			if strings.HasPrefix(mime, prefix) {
				return archive.FilterDecision{}, false, nil
			}
		}
	}
	return archive.FilterDecision{
		Outcome:               archive.OutcomeReject,
		ReasonCode:            archive.ReasonUnsupportedType,
		Category:              "type",
		Detail:                fmt.Sprintf("mime type %q is not processable", record.MimeType),
		Confidence:            1.0,
		ManualOverrideAllowed: false,
	}, true, nil
}

var listPagePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/page/\d+`),
	regexp.MustCompile(`(?i)/p\d+(/|$)`),
	regexp.MustCompile(`(?i)/(category|categories|tag|tags|archive|archives|author|topics?)(/|$)`),
	regexp.MustCompile(`(?i)/index(\.\w+)?/\d+`),
}

var listPageQueryParams = []string{"page", "paged", "offset", "start", "pg"}

// ListPageRule rejects pagination and index listings: numbered pagination
// segments, category/tag/archive paths, and pagination query parameters.
type ListPageRule struct{}

// Name implements Rule.
func (ListPageRule) Name() string { return "list-page" }

// Match implements Rule.
func (ListPageRule) Match(_ context.Context, record archive.CaptureRecord) (archive.FilterDecision, bool, error) {
	u, err := url.Parse(record.OriginalURL)
	if err != nil {
		// Unparseable URLs are a per-record problem, not a run problem.
		return archive.FilterDecision{}, false, nil
	}
	for _, pat := range listPagePathPatterns {
		if pat.MatchString(u.Path) {
			return archive.FilterDecision{
				Outcome:               archive.OutcomeReject,
				ReasonCode:            archive.ReasonListPage,
				Category:              "navigation",
				Detail:                fmt.Sprintf("path matches list/pagination heuristic %q", pat.String()),
				MatchedPattern:        pat.String(),
				Confidence:            0.9,
				ManualOverrideAllowed: true,
			}, true, nil
		}
	}
	q := u.Query()
	for _, param := range listPageQueryParams {
		if q.Has(param) {
			return archive.FilterDecision{
				Outcome:               archive.OutcomeReject,
				ReasonCode:            archive.ReasonListPage,
				Category:              "navigation",
				Detail:                fmt.Sprintf("pagination query parameter %q present", param),
				MatchedPattern:        param,
				Confidence:            0.8,
				ManualOverrideAllowed: true,
			}, true, nil
		}
	}
	return archive.FilterDecision{}, false, nil
}

// DigestLookup is the slice of the page store the duplicate rule needs.
type DigestLookup interface {
	LookupByDigest(ctx context.Context, digest string) (archive.SharedPage, bool, error)
}

// DuplicateRule rejects records whose digest is already registered globally
// or was seen earlier in this run.
type DuplicateRule struct {
	Registry DigestLookup
	seen     map[string]struct{}
}

// NewDuplicateRule builds a duplicate rule with a fresh per-run seen set.
func NewDuplicateRule(registry DigestLookup) *DuplicateRule {
	return &DuplicateRule{
		Registry: registry,
		seen:     make(map[string]struct{}),
	}
}

// Name implements Rule.
func (*DuplicateRule) Name() string { return "duplicate" }

// Match implements Rule.
func (r *DuplicateRule) Match(ctx context.Context, record archive.CaptureRecord) (archive.FilterDecision, bool, error) {
	digest := record.Digest
	if digest == "" {
		return archive.FilterDecision{}, false, nil
	}
	if _, seen := r.seen[digest]; seen {
		return r.reject("digest already seen earlier in this run"), true, nil
	}
	if r.Registry != nil {
		page, found, err := r.Registry.LookupByDigest(ctx, digest)
		if err != nil {
			return archive.FilterDecision{}, false, fmt.Errorf("digest lookup: %w", err)
		}
		if found {
			return r.reject(fmt.Sprintf("digest already registered to page %s", page.ID)), true, nil
		}
	}
	r.seen[digest] = struct{}{}
	return archive.FilterDecision{}, false, nil
}

func (r *DuplicateRule) reject(detail string) archive.FilterDecision {
	return archive.FilterDecision{
		Outcome:               archive.OutcomeReject,
		ReasonCode:            archive.ReasonDuplicateContent,
		Category:              "dedup",
		Detail:                detail,
		Confidence:            1.0,
		ManualOverrideAllowed: true,
	}
}

// SizeRule rejects captures outside the configured [min,max] byte range.
// Records with unknown length (zero) pass through for review downstream.
type SizeRule struct {
	Min int64
	Max int64
}

// Name implements Rule.
func (SizeRule) Name() string { return "size" }

// Match implements Rule.
func (r SizeRule) Match(_ context.Context, record archive.CaptureRecord) (archive.FilterDecision, bool, error) {
	if record.Length <= 0 {
		return archive.FilterDecision{
			Outcome:               archive.OutcomeNeedsReview,
			ReasonCode:            archive.ReasonSizeOutOfRange,
			Category:              "size",
			Detail:                "capture length unknown",
			Confidence:            0.5,
			ManualOverrideAllowed: true,
		}, true, nil
	}
	if (r.Min > 0 && record.Length < r.Min) || (r.Max > 0 && record.Length > r.Max) {
		return archive.FilterDecision{
			Outcome:               archive.OutcomeReject,
			ReasonCode:            archive.ReasonSizeOutOfRange,
			Category:              "size",
			Detail:                fmt.Sprintf("length %d outside [%d,%d]", record.Length, r.Min, r.Max),
			Confidence:            1.0,
			ManualOverrideAllowed: true,
		}, true, nil
	}
	return archive.FilterDecision{}, false, nil
}
