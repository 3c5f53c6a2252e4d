package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validQuery() ArchiveQuery {
	return ArchiveQuery{
		Domain:    "example.com",
		MatchType: MatchDomain,
		From:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Fallback:  FallbackSequential,
	}
}

func TestArchiveQuery_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validQuery().Validate())

	tests := []struct {
		name   string
		mutate func(*ArchiveQuery)
	}{
		{"empty domain", func(q *ArchiveQuery) { q.Domain = " " }},
		{"whitespace domain", func(q *ArchiveQuery) { q.Domain = "exa mple.com" }},
		{"bad match type", func(q *ArchiveQuery) { q.MatchType = "fuzzy" }},
		{"inverted range", func(q *ArchiveQuery) { q.From, q.To = q.To, q.From }},
		{"negative min size", func(q *ArchiveQuery) { q.MinSize = -1 }},
		{"max below min", func(q *ArchiveQuery) { q.MinSize = 100; q.MaxSize = 10 }},
		{"unknown policy", func(q *ArchiveQuery) { q.Fallback = "retry_forever" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := validQuery()
			tc.mutate(&q)
			err := q.Validate()
			require.Error(t, err)
			require.True(t, IsTerminal(err), "validation failures are configuration errors")
		})
	}
}

func TestCaptureRecord_Keys(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	a := CaptureRecord{OriginalURL: "https://example.com/post", Timestamp: ts, Digest: "d1"}
	b := CaptureRecord{OriginalURL: "https://example.com/post", Timestamp: ts, Digest: "d2"}

	require.Equal(t, a.Key(), b.Key(), "page key ignores digest")
	require.NotEqual(t, a.DedupKey(), b.DedupKey(), "dedup key includes digest")
	require.Contains(t, a.Key(), "20240115103000")
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/Posts/", "http://example.com/Posts"},
		{"https://example.com:443/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/page#section", "https://example.com/page"},
		{"example.com/about", "http://example.com/about"},
		{"https://example.com/", "https://example.com/"},
	}

	for _, tc := range tests {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestPathDepth(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, PathDepth("https://example.com/"))
	require.Equal(t, 1, PathDepth("https://example.com/about"))
	require.Equal(t, 3, PathDepth("https://example.com/2024/01/post"))
}
