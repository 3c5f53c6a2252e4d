// Package memory contains an in-memory Notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/pagevault/pagevault/internal/archive"
)

// Notifier records page-ready events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []archive.PageReadyEvent
	// Err, when set, is returned from every PageReady call.
	Err error
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// PageReady records the event.
func (n *Notifier) PageReady(_ context.Context, event archive.PageReadyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded notifications.
func (n *Notifier) Events() []archive.PageReadyEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]archive.PageReadyEvent, len(n.events))
	copy(out, n.events)
	return out
}
