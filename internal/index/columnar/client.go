// Package columnar implements discovery against a columnar/segment capture
// index whose records point into object-storage segment files.
package columnar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
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
	// IndexURL is the segment index query endpoint (NDJSON responses).
	IndexURL  string
	UserAgent string
	PageSize  int
	MaxPages  int
	RPS       float64
	Timeout   time.Duration
}

// Client queries a segment index. Each returned record carries a seg://
// ContentLocator addressing the gzip-wrapped capture envelope by byte range.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	retry   *archive.RetryPolicy
	logger  *zap.Logger
}

// New builds a Client.
func New(cfg Config, retry *archive.RetryPolicy, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.IndexURL) == "" {
		return nil, &archive.ConfigurationError{Field: "columnar.index_url", Reason: "must not be empty"}
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
func (c *Client) Source() archive.Source { return archive.SourceColumnar }

// indexRow is one NDJSON line from the segment index.
type indexRow struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Mime      string `json:"mime"`
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Filename  string `json:"filename"`
	Offset    string `json:"offset"`
	Length    string `json:"length"`
}

// Discover paginates the segment index sequentially, skipping malformed lines
// and dropping duplicates seen within the run. The same partial-result
// contract applies as for the CDX client.
func (c *Client) Discover(ctx context.Context, query archive.ArchiveQuery) (archive.DiscoveryResult, error) {
	if err := query.Validate(); err != nil {
		return archive.DiscoveryResult{}, err
	}

	maxPages := query.MaxPages
	if maxPages <= 0 || maxPages > c.cfg.MaxPages {
		maxPages = c.cfg.MaxPages
	}

	var (
		result archive.DiscoveryResult
		seen   = make(map[string]struct{})
	)
	for page := query.PageCursor; page < query.PageCursor+maxPages; page++ {
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
	result.Partial = true
	result.NextCursor = query.PageCursor + maxPages
	return result, nil
}

func (c *Client) partial(result archive.DiscoveryResult, nextPage int, err error) (archive.DiscoveryResult, error) {
	c.logger.Warn("columnar discovery interrupted, returning partial results",
		zap.Int("records", len(result.Records)),
		zap.Int("next_page", nextPage),
		zap.Error(err),
	)
	result.Partial = true
	result.NextCursor = nextPage
	return result, nil
}

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
	}
	return nil, lastErr
}

func (c *Client) doPage(ctx context.Context, query archive.ArchiveQuery, page int) ([]archive.CaptureRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(query, page), nil)
	if err != nil {
		return nil, &archive.ConfigurationError{Field: "columnar.index_url", Reason: err.Error()}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &archive.TransientNetworkError{Op: "columnar page fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		// The index reports exhausted pagination as 404.
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &archive.RateLimited{Source: archive.SourceColumnar, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &archive.SourceUnavailable{Source: archive.SourceColumnar, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &archive.ConfigurationError{Field: "query", Reason: fmt.Sprintf("segment index rejected the query (status %d)", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("columnar page fetch: unexpected status %d", resp.StatusCode)
	}

	var records []archive.CaptureRecord
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		record, err := c.recordFromLine(line)
		if err != nil {
			c.logger.Warn("skipping malformed index line", zap.String("line", line), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, &archive.TransientNetworkError{Op: "columnar body read", Err: err}
	}
	return records, nil
}

// pageURL builds the index query. The pattern syntax follows the index
// convention: domain matches use the *.domain form, prefixes trail a *.
func (c *Client) pageURL(query archive.ArchiveQuery, page int) string {
	params := url.Values{}
	params.Set("output", "json")
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("filter", "=status:200")

	switch query.MatchType {
	case archive.MatchExact:
		params.Set("url", query.Domain)
	case archive.MatchPrefix:
		params.Set("url", strings.TrimSuffix(query.Domain, "*")+"*")
	case archive.MatchHost:
		params.Set("url", query.Domain+"/*")
	default:
		params.Set("url", "*."+query.Domain)
	}
	if !query.From.IsZero() {
		params.Set("from", query.From.UTC().Format("20060102"))
	}
	if !query.To.IsZero() {
		params.Set("to", query.To.UTC().Format("20060102"))
	}
	return c.cfg.IndexURL + "?" + params.Encode()
}

func (c *Client) recordFromLine(line string) (archive.CaptureRecord, error) {
	var row indexRow
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return archive.CaptureRecord{}, fmt.Errorf("decode line: %w", err)
	}
	if row.URL == "" {
		return archive.CaptureRecord{}, fmt.Errorf("missing url")
	}
	ts, err := time.Parse(timestampLayout, row.Timestamp)
	if err != nil {
		return archive.CaptureRecord{}, fmt.Errorf("bad timestamp %q: %w", row.Timestamp, err)
	}
	offset, err := strconv.ParseInt(row.Offset, 10, 64)
	if err != nil || offset < 0 {
		return archive.CaptureRecord{}, fmt.Errorf("bad offset %q", row.Offset)
	}
	length, err := strconv.ParseInt(row.Length, 10, 64)
	if err != nil || length <= 0 {
		return archive.CaptureRecord{}, fmt.Errorf("bad length %q", row.Length)
	}
	if row.Filename == "" {
		return archive.CaptureRecord{}, fmt.Errorf("missing segment filename")
	}
	status, _ := strconv.Atoi(row.Status)

	return archive.CaptureRecord{
		Source:         archive.SourceColumnar,
		OriginalURL:    row.URL,
		Timestamp:      ts.UTC(),
		Digest:         row.Digest,
		MimeType:       row.Mime,
		StatusCode:     status,
		Length:         length,
		ContentLocator: Locator{Filename: row.Filename, Offset: offset, Length: length}.Encode(),
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
