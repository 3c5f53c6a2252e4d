// Package cdx implements discovery against a Wayback-style CDX server API.
package cdx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagevault/pagevault/internal/archive"
)

const timestampLayout = "20060102150405"

// Config controls client behavior.
type Config struct {
	BaseURL string
	// ReplayBaseURL is the capture replay endpoint; each record's
	// ContentLocator is derived from it.
	ReplayBaseURL string
	UserAgent     string
	// PageSize is the per-page limit sent to the server.
	PageSize int
	// MaxPages bounds one discovery run when the query does not set its own.
	MaxPages int
	// RPS paces sequential page fetches against the provider.
	RPS     float64
	Timeout time.Duration
}

// Client queries a CDX API endpoint. Discovery is read-only and restartable
// from a page cursor; it never touches the page store.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	retry   *archive.RetryPolicy
	logger  *zap.Logger
}

// New builds a Client.
func New(cfg Config, retry *archive.RetryPolicy, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &archive.ConfigurationError{Field: "cdx.base_url", Reason: "must not be empty"}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	if retry == nil {
		retry = archive.NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 15 * time.Second,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry,
		logger:  logger,
	}, nil
}

// Source identifies this client to the router.
func (c *Client) Source() archive.Source { return archive.SourceCDX }

// Discover paginates the CDX API sequentially, merging pages and dropping
// (url, timestamp, digest) duplicates seen in this run. When a later page
// fails after earlier pages succeeded, the partial result is returned with
// NextCursor set so a re-run can pick up where this one stopped.
func (c *Client) Discover(ctx context.Context, query archive.ArchiveQuery) (archive.DiscoveryResult, error) {
	if err := query.Validate(); err != nil {
		return archive.DiscoveryResult{}, err
	}

	maxPages := query.MaxPages
	if maxPages <= 0 || maxPages > c.cfg.MaxPages {
		maxPages = c.cfg.MaxPages
	}

	end := query.PageCursor + maxPages
	spanKnown := false
	if total := c.pageCount(ctx, query); total > 0 && total <= end {
		end = total
		spanKnown = true
	}

	var (
		result archive.DiscoveryResult
		seen   = make(map[string]struct{})
	)
	for page := query.PageCursor; page < end; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.partial(result, page, fmt.Errorf("rate limit wait: %w", err))
		}

		records, err := c.fetchPage(ctx, query, page)
		if err != nil {
			if archive.IsTerminal(err) || len(result.Records) == 0 {
				return archive.DiscoveryResult{}, err
			}
			return c.partial(result, page, err)
		}
		if len(records) == 0 {
			return result, nil
		}
		for _, record := range records {
			key := record.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Records = append(result.Records, record)
		}
	}
	if spanKnown {
		return result, nil
	}
	// Page budget exhausted with pages possibly remaining.
	result.Partial = true
	result.NextCursor = end
	return result, nil
}

// pageCount asks the server how many pages the query spans. Best effort: zero
// means unknown and the configured page budget applies.
func (c *Client) pageCount(ctx context.Context, query archive.ArchiveQuery) int {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(query, 0)+"&showNumPages=true", nil)
	if err != nil {
		return 0
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0
	}
	total, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		c.logger.Debug("cdx page count hint unavailable", zap.Error(err))
		return 0
	}
	return total
}

// partial logs the interruption and hands back what was already merged.
func (c *Client) partial(result archive.DiscoveryResult, nextPage int, err error) (archive.DiscoveryResult, error) {
	c.logger.Warn("cdx discovery interrupted, returning partial results",
		zap.Int("records", len(result.Records)),
		zap.Int("next_page", nextPage),
		zap.Error(err),
	)
	result.Partial = true
	result.NextCursor = nextPage
	return result, nil
}

// fetchPage retrieves and parses one page, retrying transient failures with
// jittered backoff.
func (c *Client) fetchPage(ctx context.Context, query archive.ArchiveQuery, page int) ([]archive.CaptureRecord, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retry.Backoff(lastErr, attempt-1)):
			}
		}
		records, err := c.doPage(ctx, query, page)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if !c.retry.ShouldRetry(err, attempt+1) {
			return nil, err
		}
		c.logger.Debug("retrying cdx page",
			zap.Int("page", page),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (c *Client) doPage(ctx context.Context, query archive.ArchiveQuery, page int) ([]archive.CaptureRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(query, page), nil)
	if err != nil {
		return nil, &archive.ConfigurationError{Field: "cdx.base_url", Reason: err.Error()}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &archive.TransientNetworkError{Op: "cdx page fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &archive.RateLimited{Source: archive.SourceCDX, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &archive.SourceUnavailable{Source: archive.SourceCDX, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &archive.ConfigurationError{Field: "query", Reason: fmt.Sprintf("cdx rejected the query (status %d)", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("cdx page fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &archive.TransientNetworkError{Op: "cdx body read", Err: err}
	}
	return c.parsePage(body)
}

// pageURL builds the CDX query string for one page, pushing status and mime
// filtering to the server where it can.
func (c *Client) pageURL(query archive.ArchiveQuery, page int) string {
	params := url.Values{}
	params.Set("output", "json")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("page", strconv.Itoa(page))
	params.Add("filter", "statuscode:200")
	params.Add("filter", mimeFilter(query.IncludeAttachments))

	switch query.MatchType {
	case archive.MatchExact:
		params.Set("url", query.Domain)
		params.Set("matchType", "exact")
	case archive.MatchPrefix:
		params.Set("url", query.Domain)
		params.Set("matchType", "prefix")
	case archive.MatchHost:
		params.Set("url", query.Domain)
		params.Set("matchType", "host")
	default:
		params.Set("url", query.Domain)
		params.Set("matchType", "domain")
	}
	if !query.From.IsZero() {
		params.Set("from", query.From.UTC().Format("20060102"))
	}
	if !query.To.IsZero() {
		params.Set("to", query.To.UTC().Format("20060102"))
	}
	return c.cfg.BaseURL + "?" + params.Encode()
}

// mimeFilter mirrors the downstream type rule so captures the pipeline would
// reject anyway never leave the server.
func mimeFilter(includeAttachments bool) string {
	pattern := "mimetype:text/html.*|application/xhtml.*|text/plain.*"
	if includeAttachments {
		pattern += "|application/pdf.*|application/msword.*|application/vnd\\..*"
	}
	return pattern
}

// parsePage decodes the CDX JSON array-of-arrays format. The first row is the
// column header. Malformed rows are skipped, not fatal.
func (c *Client) parsePage(body []byte) ([]archive.CaptureRecord, error) {
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &archive.MalformedRecord{Source: archive.SourceCDX, Err: fmt.Errorf("decode page: %w", err)}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		columns[name] = i
	}
	records := make([]archive.CaptureRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record, err := c.recordFromRow(columns, row)
		if err != nil {
			c.logger.Warn("skipping malformed cdx row", zap.Strings("row", row), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *Client) recordFromRow(columns map[string]int, row []string) (archive.CaptureRecord, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	original := field("original")
	if original == "" {
		return archive.CaptureRecord{}, fmt.Errorf("missing original url")
	}
	ts, err := time.Parse(timestampLayout, field("timestamp"))
	if err != nil {
		return archive.CaptureRecord{}, fmt.Errorf("bad timestamp %q: %w", field("timestamp"), err)
	}
	status, _ := strconv.Atoi(field("statuscode"))
	length, _ := strconv.ParseInt(field("length"), 10, 64)

	var locator string
	if c.cfg.ReplayBaseURL != "" {
		// Replay endpoints address captures as /<timestamp>id_/<original url>.
		locator = fmt.Sprintf("%s/%sid_/%s",
			strings.TrimSuffix(c.cfg.ReplayBaseURL, "/"),
			ts.UTC().Format(timestampLayout),
			original,
		)
	}
	return archive.CaptureRecord{
		Source:         archive.SourceCDX,
		OriginalURL:    original,
		Timestamp:      ts.UTC(),
		Digest:         field("digest"),
		MimeType:       field("mimetype"),
		StatusCode:     status,
		Length:         length,
		ContentLocator: locator,
	}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
