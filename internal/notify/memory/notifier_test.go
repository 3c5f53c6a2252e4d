package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/internal/archive"
)

func TestNotifierRecordsEvents(t *testing.T) {
	t.Parallel()

	n := New()
	err := n.PageReady(context.Background(), archive.PageReadyEvent{PageID: "page-1", Digest: "d1"})
	require.NoError(t, err)
	err = n.PageReady(context.Background(), archive.PageReadyEvent{PageID: "page-2", Digest: "d2"})
	require.NoError(t, err)

	events := n.Events()
	require.Len(t, events, 2)
	require.Equal(t, "page-1", events[0].PageID)
}

func TestNotifierInjectedError(t *testing.T) {
	t.Parallel()

	n := New()
	n.Err = errors.New("broker down")
	err := n.PageReady(context.Background(), archive.PageReadyEvent{PageID: "page-1"})
	require.Error(t, err)
	require.Empty(t, n.Events())
}
