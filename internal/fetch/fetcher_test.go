package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/index/columnar"
)

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	return New(cfg, archive.NewRetryPolicyWith(3, time.Millisecond, 5*time.Millisecond), zap.NewNop())
}

func replayRecord(locator string) archive.CaptureRecord {
	return archive.CaptureRecord{
		Source:         archive.SourceCDX,
		OriginalURL:    "https://example.com/a",
		Timestamp:      time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
		ContentLocator: locator,
	}
}

func TestFetchContent_Replay(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "20240110120000id_")
		_, _ = w.Write([]byte("<html><body>archived</body></html>"))
	}))
	defer server.Close()

	f := newFetcher(t, Config{})
	body, err := f.FetchContent(context.Background(),
		replayRecord(server.URL+"/web/20240110120000id_/https://example.com/a"))
	require.NoError(t, err)
	require.Contains(t, string(body), "archived")
}

func TestFetchContent_ReplayRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := newFetcher(t, Config{})
	body, err := f.FetchContent(context.Background(), replayRecord(server.URL+"/capture"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchContent_Replay429HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := newFetcher(t, Config{})
	body, err := f.FetchContent(context.Background(), replayRecord(server.URL+"/capture"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestFetchContent_SegmentRangeAndGzipUnwrap(t *testing.T) {
	t.Parallel()

	var envelope bytes.Buffer
	zw := gzip.NewWriter(&envelope)
	_, err := zw.Write([]byte("<html><body>segment capture</body></html>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/segments/seg-00001.gz", r.URL.Path)
		require.Equal(t, "bytes=2048-"+strconv.Itoa(2048+envelope.Len()-1), r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(envelope.Bytes())
	}))
	defer server.Close()

	locator := columnar.Locator{
		Filename: "segments/seg-00001.gz",
		Offset:   2048,
		Length:   int64(envelope.Len()),
	}
	record := replayRecord(locator.Encode())
	record.Source = archive.SourceColumnar

	f := newFetcher(t, Config{SegmentBaseURL: server.URL})
	body, err := f.FetchContent(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, "<html><body>segment capture</body></html>", string(body))
}

func TestFetchContent_BrokenEnvelopeIsMalformed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer server.Close()

	record := replayRecord(columnar.Locator{Filename: "seg.gz", Offset: 0, Length: 19}.Encode())
	f := newFetcher(t, Config{SegmentBaseURL: server.URL})
	_, err := f.FetchContent(context.Background(), record)
	require.Error(t, err)

	var malformed *archive.MalformedRecord
	require.ErrorAs(t, err, &malformed)
}

func TestFetchContent_MissingLocatorIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, Config{})
	_, err := f.FetchContent(context.Background(), replayRecord(""))
	require.Error(t, err)
	require.True(t, archive.IsTerminal(err))
}
