// Package fetch retrieves raw capture bytes addressed by a record's content
// locator: replay-endpoint GETs via colly, or ranged segment reads unwrapped
// from their gzip envelopes.
package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/index/columnar"
)

// Config controls fetcher behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// SegmentBaseURL is the object-storage endpoint segment locators resolve
	// against.
	SegmentBaseURL string
	// MaxBodyBytes caps replay response bodies. Zero means 32 MiB.
	MaxBodyBytes int64
}

// Fetcher implements archive.ContentFetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	http          *http.Client
	retry         *archive.RetryPolicy
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, retry *archive.RetryPolicy, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if retry == nil {
		retry = archive.NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	// Replay endpoints are archives, not live sites; robots semantics do not
	// apply there.
	c.IgnoreRobotsTxt = true
	// Clones share visited-URL storage, and retries re-visit the same capture
	// address. There is no crawl frontier here to deduplicate.
	c.AllowURLRevisit = true
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retry:  retry,
		logger: logger,
	}
}

// FetchContent resolves the record's content locator and returns the raw
// capture bytes, retrying retriable failures with bounded backoff.
func (f *Fetcher) FetchContent(ctx context.Context, record archive.CaptureRecord) ([]byte, error) {
	if strings.TrimSpace(record.ContentLocator) == "" {
		return nil, &archive.ConfigurationError{Field: "content_locator", Reason: "record has no content locator"}
	}

	fetch := f.fetchReplay
	locator, isSegment := columnar.ParseLocator(record.ContentLocator)
	if isSegment {
		if f.cfg.SegmentBaseURL == "" {
			return nil, &archive.ConfigurationError{Field: "fetch.segment_base_url", Reason: "required for segment locators"}
		}
		fetch = func(ctx context.Context, _ archive.CaptureRecord) ([]byte, error) {
			return f.fetchSegment(ctx, locator)
		}
	}

	var lastErr error
	for attempt := 0; attempt < f.retry.MaxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retry.Backoff(lastErr, attempt-1)):
			}
		}
		body, err := fetch(ctx, record)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !f.retry.ShouldRetry(err, attempt+1) {
			return nil, err
		}
		f.logger.Debug("retrying content fetch",
			zap.String("url", record.OriginalURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// fetchReplay GETs the replay endpoint through a cloned collector, racing the
// visit against context cancellation.
func (f *Fetcher) fetchReplay(ctx context.Context, record archive.CaptureRecord) ([]byte, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
			if r.Headers != nil {
				if hint := parseRetryAfter(r.Headers.Get("Retry-After")); hint > 0 && r.StatusCode == http.StatusTooManyRequests {
					fetchErr = &archive.RateLimited{Source: record.Source, RetryAfter: hint}
					return
				}
			}
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(record.ContentLocator)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			return nil, classifyHTTPError(record.Source, statusCode, fetchErr)
		}
		if err != nil {
			return nil, classifyHTTPError(record.Source, statusCode, err)
		}
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		body = body[:f.cfg.MaxBodyBytes]
	}
	return body, nil
}

// fetchSegment issues an HTTP Range request against the segment file and
// unwraps the gzip envelope around the capture bytes.
func (f *Fetcher) fetchSegment(ctx context.Context, locator columnar.Locator) ([]byte, error) {
	segmentURL := strings.TrimSuffix(f.cfg.SegmentBaseURL, "/") + "/" + locator.Filename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return nil, &archive.ConfigurationError{Field: "fetch.segment_base_url", Reason: err.Error()}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", locator.Offset, locator.Offset+locator.Length-1))
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &archive.TransientNetworkError{Op: "segment range fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &archive.RateLimited{
			Source:     archive.SourceColumnar,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, &archive.SourceUnavailable{Source: archive.SourceColumnar, StatusCode: resp.StatusCode}
	default:
		return nil, fmt.Errorf("segment range fetch: unexpected status %d", resp.StatusCode)
	}

	envelope, err := io.ReadAll(io.LimitReader(resp.Body, locator.Length))
	if err != nil {
		return nil, &archive.TransientNetworkError{Op: "segment body read", Err: err}
	}
	return unwrapEnvelope(envelope, f.cfg.MaxBodyBytes)
}

// unwrapEnvelope decompresses one gzip member. A broken envelope is a
// malformed record, not a transport failure.
func unwrapEnvelope(envelope []byte, maxBytes int64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(envelope))
	if err != nil {
		return nil, &archive.MalformedRecord{Source: archive.SourceColumnar, Err: fmt.Errorf("open gzip envelope: %w", err)}
	}
	defer reader.Close()
	reader.Multistream(false)

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes))
	if err != nil {
		return nil, &archive.MalformedRecord{Source: archive.SourceColumnar, Err: fmt.Errorf("decompress envelope: %w", err)}
	}
	return body, nil
}

func classifyHTTPError(source archive.Source, statusCode int, err error) error {
	switch {
	case err == nil:
		return nil
	case statusCode == http.StatusTooManyRequests:
		var limited *archive.RateLimited
		if errors.As(err, &limited) {
			return err
		}
		return &archive.RateLimited{Source: source}
	case statusCode >= 500:
		return &archive.SourceUnavailable{Source: source, StatusCode: statusCode, Err: err}
	case statusCode > 0:
		return fmt.Errorf("replay fetch failed with status %d: %w", statusCode, err)
	default:
		return &archive.TransientNetworkError{Op: "replay fetch", Err: err}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
