package filter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
)

// Policy carries the tunable priority weights. The defaults are a starting
// policy, not a contract; operators may override them in configuration.
type Policy struct {
	HTMLWeight       float64
	PlainTextWeight  float64
	AttachmentWeight float64
	SizeSweetSpot    int64
	SizeWeight       float64
	DepthPenalty     float64
}

// DefaultPolicy returns the default priority weights.
func DefaultPolicy() Policy {
	return Policy{
		HTMLWeight:       1.0,
		PlainTextWeight:  0.6,
		AttachmentWeight: 0.4,
		SizeSweetSpot:    64 * 1024,
		SizeWeight:       0.5,
		DepthPenalty:     0.05,
	}
}

// Classifier runs the ordered rule chain over capture records.
type Classifier struct {
	rules  []Rule
	policy Policy
	logger *zap.Logger
	clock  archive.Clock
}

// New builds a Classifier for one run. The duplicate rule keeps per-run state,
// so a Classifier must not be reused across runs.
func New(query archive.ArchiveQuery, registry DigestLookup, policy Policy, clock archive.Clock, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		rules: []Rule{
			TypeRule{IncludeAttachments: query.IncludeAttachments},
			ListPageRule{},
			NewDuplicateRule(registry),
			SizeRule{Min: query.MinSize, Max: query.MaxSize},
		},
		policy: policy,
		logger: logger,
		clock:  clock,
	}
}

// Classify evaluates the rule chain for one record, first match wins. Every
// record yields exactly one decision; records no rule rejects are accepted
// with a computed priority score.
func (c *Classifier) Classify(ctx context.Context, record archive.CaptureRecord) (archive.FilterDecision, error) {
	for _, rule := range c.rules {
		decision, matched, err := rule.Match(ctx, record)
		if err != nil {
			return archive.FilterDecision{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		if matched {
			c.finish(&decision, record)
			return decision, nil
		}
	}
	decision := archive.FilterDecision{
		Outcome:               archive.OutcomeAccept,
		ReasonCode:            archive.ReasonAccepted,
		Category:              "content",
		Detail:                "passed all rejection rules",
		Confidence:            1.0,
		ManualOverrideAllowed: true,
		Priority:              c.Priority(record),
	}
	c.finish(&decision, record)
	return decision, nil
}

func (c *Classifier) finish(decision *archive.FilterDecision, record archive.CaptureRecord) {
	decision.RecordKey = record.Key()
	if c.clock != nil {
		decision.DecidedAt = c.clock.Now()
	}
	c.logger.Debug("record classified",
		zap.String("url", record.OriginalURL),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("reason", decision.ReasonCode),
	)
}

// Priority computes the processing priority from content-type weight, size
// weight, and path depth.
func (c *Classifier) Priority(record archive.CaptureRecord) float64 {
	score := c.typeWeight(record.MimeType)
	score += c.sizeWeight(record.Length)
	depth := archive.PathDepth(record.OriginalURL)
	score -= float64(depth) * c.policy.DepthPenalty
	if score < 0 {
		score = 0
	}
	return score
}

func (c *Classifier) typeWeight(mime string) float64 {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "text/html"), strings.HasPrefix(mime, "application/xhtml"):
		return c.policy.HTMLWeight
	case strings.HasPrefix(mime, "text/plain"):
		return c.policy.PlainTextWeight
	default:
		return c.policy.AttachmentWeight
	}
}

func (c *Classifier) sizeWeight(length int64) float64 {
	if length <= 0 || c.policy.SizeSweetSpot <= 0 {
		return 0
	}
	ratio := float64(length) / float64(c.policy.SizeSweetSpot)
	if ratio > 1 {
		ratio = 1 / ratio
	}
	return ratio * c.policy.SizeWeight
}

// Classified pairs a record with its decision.
type Classified struct {
	Record   archive.CaptureRecord
	Decision archive.FilterDecision
}

// Run classifies every record and returns all decisions plus the accepted
// records ordered by priority descending, ties broken by earliest capture
// timestamp.
func (c *Classifier) Run(ctx context.Context, records []archive.CaptureRecord) ([]Classified, []Classified, error) {
	all := make([]Classified, 0, len(records))
	accepted := make([]Classified, 0, len(records))
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return all, accepted, err
		}
		decision, err := c.Classify(ctx, record)
		if err != nil {
			return all, accepted, err
		}
		entry := Classified{Record: record, Decision: decision}
		all = append(all, entry)
		if decision.Outcome == archive.OutcomeAccept {
			accepted = append(accepted, entry)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].Decision.Priority != accepted[j].Decision.Priority {
			return accepted[i].Decision.Priority > accepted[j].Decision.Priority
		}
		return accepted[i].Record.Timestamp.Before(accepted[j].Record.Timestamp)
	})
	return all, accepted, nil
}
