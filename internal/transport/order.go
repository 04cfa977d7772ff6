package transport

import (
	"sync"

	"jobsync/internal/observability"
)

// snapshotOrder orders full job lists from every transport of one engine.
// A ticket is taken before a list is requested; a list whose ticket is older
// than the last applied one is dropped whole.
type snapshotOrder struct {
	mu      sync.Mutex
	issued  uint64
	applied uint64
}

func newSnapshotOrder() *snapshotOrder {
	return &snapshotOrder{}
}

func (o *snapshotOrder) ticket() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.issued++
	return o.issued
}

// apply runs fn unless a newer list was applied first. Calls are serialized.
func (o *snapshotOrder) apply(ticket uint64, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ticket < o.applied {
		observability.StaleUpdatesDropped.WithLabelValues("stale_snapshot").Inc()
		return false
	}
	o.applied = ticket
	fn()
	return true
}
