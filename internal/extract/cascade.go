package extract

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
)

// Config controls the cascade.
type Config struct {
	// MinWords is the quality floor a strategy result must clear.
	MinWords int
	// PerRecordTimeout bounds one document's extraction; the running strategy
	// is treated as failed when it elapses.
	PerRecordTimeout time.Duration
	// Debug runs every strategy on each document and logs a comparison
	// instead of stopping at the first acceptable result.
	Debug        bool
	CacheEntries int
	CacheTTL     time.Duration
}

// Cascade runs the extraction strategies in order and returns the first
// result clearing the quality bar.
type Cascade struct {
	strategies []Strategy
	cfg        Config
	cache      *ttlCache
	clock      archive.Clock
	logger     *zap.Logger
}

// New builds the default cascade: readability, DOM heuristic, plaintext.
func New(cfg Config, clock archive.Clock, logger *zap.Logger) *Cascade {
	return NewWithStrategies(cfg, clock, logger,
		ReadabilityStrategy{},
		DOMStrategy{},
		PlainTextStrategy{},
	)
}

// NewWithStrategies builds a cascade over an explicit strategy order.
func NewWithStrategies(cfg Config, clock archive.Clock, logger *zap.Logger, strategies ...Strategy) *Cascade {
	if cfg.MinWords <= 0 {
		cfg.MinWords = 10
	}
	if cfg.PerRecordTimeout <= 0 {
		cfg.PerRecordTimeout = 30 * time.Second
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{
		strategies: strategies,
		cfg:        cfg,
		cache:      newTTLCache(cfg.CacheEntries, cfg.CacheTTL, clock),
		clock:      clock,
		logger:     logger,
	}
}

// Extract runs the cascade for one document. Total failure returns an
// ExtractionFailure naming every attempted strategy.
func (c *Cascade) Extract(ctx context.Context, doc Document) (archive.ExtractedContent, error) {
	if cached, ok := c.cache.get(doc.Digest); ok {
		c.logger.Debug("extraction cache hit", zap.String("digest", doc.Digest))
		return cached, nil
	}

	recordCtx, cancel := context.WithTimeout(ctx, c.cfg.PerRecordTimeout)
	defer cancel()

	start := c.clock.Now()
	language := pageLanguage(doc.HTML)

	if c.cfg.Debug {
		return c.extractDebug(recordCtx, doc, language, start)
	}

	attempted := make([]string, 0, len(c.strategies))
	for _, strategy := range c.strategies {
		attempted = append(attempted, strategy.Name())
		content, ok := c.runStrategy(recordCtx, strategy, doc)
		if !ok {
			continue
		}
		if !c.passesQualityBar(content) {
			c.logger.Debug("strategy result below quality bar",
				zap.String("strategy", strategy.Name()),
				zap.String("url", doc.URL),
				zap.Int("words", content.WordCount),
			)
			continue
		}
		content.Language = language
		content.Elapsed = c.clock.Now().Sub(start)
		c.cache.put(doc.Digest, content)
		return content, nil
	}
	return archive.ExtractedContent{}, &archive.ExtractionFailure{URL: doc.URL, Attempted: attempted}
}

// extractDebug runs all strategies for comparison and returns the best
// acceptable result by confidence order.
func (c *Cascade) extractDebug(ctx context.Context, doc Document, language string, start time.Time) (archive.ExtractedContent, error) {
	var (
		winner    archive.ExtractedContent
		found     bool
		attempted []string
	)
	for _, strategy := range c.strategies {
		attempted = append(attempted, strategy.Name())
		content, ok := c.runStrategy(ctx, strategy, doc)
		c.logger.Info("extraction comparison",
			zap.String("strategy", strategy.Name()),
			zap.String("url", doc.URL),
			zap.Bool("produced", ok),
			zap.Int("words", content.WordCount),
			zap.Float64("confidence", content.Confidence),
		)
		if ok && c.passesQualityBar(content) && !found {
			winner, found = content, true
		}
	}
	if !found {
		return archive.ExtractedContent{}, &archive.ExtractionFailure{URL: doc.URL, Attempted: attempted}
	}
	winner.Language = language
	winner.Elapsed = c.clock.Now().Sub(start)
	c.cache.put(doc.Digest, winner)
	return winner, nil
}

// runStrategy isolates one strategy: panics and timeouts count as declines.
func (c *Cascade) runStrategy(ctx context.Context, strategy Strategy, doc Document) (archive.ExtractedContent, bool) {
	if ctx.Err() != nil {
		return archive.ExtractedContent{}, false
	}

	type outcome struct {
		content archive.ExtractedContent
		ok      bool
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn("extraction strategy panicked",
					zap.String("strategy", strategy.Name()),
					zap.String("url", doc.URL),
					zap.Any("panic", r),
				)
				done <- outcome{}
			}
		}()
		content, ok := strategy.Extract(ctx, doc)
		done <- outcome{content: content, ok: ok}
	}()

	select {
	case <-ctx.Done():
		c.logger.Warn("extraction strategy timed out",
			zap.String("strategy", strategy.Name()),
			zap.String("url", doc.URL),
		)
		return archive.ExtractedContent{}, false
	case result := <-done:
		return result.content, result.ok
	}
}

func (c *Cascade) passesQualityBar(content archive.ExtractedContent) bool {
	return content.Text != "" && content.WordCount >= c.cfg.MinWords
}
