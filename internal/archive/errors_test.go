package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientNetworkError{Op: "discover", Err: errors.New("reset")}, true},
		{"rate limited", &RateLimited{Source: SourceCDX}, true},
		{"unavailable", &SourceUnavailable{Source: SourceCDX, StatusCode: 503}, true},
		{"wrapped unavailable", fmt.Errorf("page 3: %w", &SourceUnavailable{Source: SourceColumnar, StatusCode: 502}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"config", &ConfigurationError{Field: "domain", Reason: "empty"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsRetriable(tc.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, IsTerminal(&ConfigurationError{Field: "domain", Reason: "empty"}))
	require.True(t, IsTerminal(fmt.Errorf("validate: %w", &ConfigurationError{Field: "fallback", Reason: "bad"})))
	require.False(t, IsTerminal(&SourceUnavailable{Source: SourceCDX, StatusCode: 500}))
	require.False(t, IsTerminal(nil))
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	hint, ok := RetryAfterHint(&RateLimited{Source: SourceCDX, RetryAfter: 2 * time.Second})
	require.True(t, ok)
	require.Equal(t, 2*time.Second, hint)

	_, ok = RetryAfterHint(&RateLimited{Source: SourceCDX})
	require.False(t, ok)

	_, ok = RetryAfterHint(errors.New("boom"))
	require.False(t, ok)
}

func TestRetryPolicy_HonorsHintAndCaps(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWith(4, 100*time.Millisecond, time.Second)

	hinted := p.Backoff(&RateLimited{Source: SourceCDX, RetryAfter: 7 * time.Second}, 0)
	require.Equal(t, 7*time.Second, hinted)

	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(errors.New("x"), attempt)
		require.LessOrEqual(t, d, time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWith(2, 0, 0)
	transient := &TransientNetworkError{Op: "fetch", Err: errors.New("timeout")}

	require.True(t, p.ShouldRetry(transient, 0))
	require.True(t, p.ShouldRetry(transient, 1))
	require.False(t, p.ShouldRetry(transient, 2), "attempts are bounded")
	require.False(t, p.ShouldRetry(&ConfigurationError{Field: "x", Reason: "y"}, 0))
	require.False(t, p.ShouldRetry(nil, 0))
}
